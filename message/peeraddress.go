package message

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/dep2p/stordht/keyspace"
)

// MaxRelays 是一个地址最多携带的中继端点数
const MaxRelays = 5

// 选项字节的标志位
const (
	optionFirewalledTCP = 0x01
	optionFirewalledUDP = 0x02
	optionRelayed       = 0x04
)

const (
	addressTypeIPv4 = 0
	addressTypeIPv6 = 1
)

// PeerSocketAddress 是一个中继端点: IP地址与TCP/UDP端口
type PeerSocketAddress struct {
	Addr    netip.Addr
	TCPPort uint16
	UDPPort uint16
}

// Encode 写出端点: 地址类型(1) | 地址(4或16) | tcp端口(2) | udp端口(2)
func (psa PeerSocketAddress) Encode(buf *Buffer) {
	if psa.Addr.Is4() {
		buf.WriteByte(addressTypeIPv4)
		b := psa.Addr.As4()
		buf.Write(b[:])
	} else {
		buf.WriteByte(addressTypeIPv6)
		b := psa.Addr.As16()
		buf.Write(b[:])
	}
	buf.WriteUint16(psa.TCPPort)
	buf.WriteUint16(psa.UDPPort)
}

// DecodePeerSocketAddress 解码一个端点
func DecodePeerSocketAddress(buf *Buffer) (PeerSocketAddress, error) {
	var psa PeerSocketAddress
	if buf.Readable() < 1 {
		return psa, errors.New("端点字节不足")
	}
	addrType := buf.ReadByte()
	switch addrType {
	case addressTypeIPv4:
		if buf.Readable() < 4+4 {
			return psa, errors.New("端点字节不足")
		}
		psa.Addr = netip.AddrFrom4([4]byte(buf.ReadBytes(4)))
	case addressTypeIPv6:
		if buf.Readable() < 16+4 {
			return psa, errors.New("端点字节不足")
		}
		psa.Addr = netip.AddrFrom16([16]byte(buf.ReadBytes(16)))
	default:
		return psa, fmt.Errorf("未知的地址类型: %d", addrType)
	}
	psa.TCPPort = buf.ReadUint16()
	psa.UDPPort = buf.ReadUint16()
	return psa, nil
}

func (psa PeerSocketAddress) String() string {
	return fmt.Sprintf("%s/t%d/u%d", psa.Addr, psa.TCPPort, psa.UDPPort)
}

// PeerAddress 是一个节点的完整地址
// 不可达节点置位 Relayed 并携带其当前中继端点
type PeerAddress struct {
	PeerID        keyspace.Number160
	Socket        PeerSocketAddress
	FirewalledTCP bool
	FirewalledUDP bool
	Relayed       bool
	Relays        []PeerSocketAddress
}

// Encode 写出地址: 选项(1) | 节点ID(20) | 端点 | [中继数(1) | 中继端点*]
func (pa PeerAddress) Encode(buf *Buffer) {
	var options byte
	if pa.FirewalledTCP {
		options |= optionFirewalledTCP
	}
	if pa.FirewalledUDP {
		options |= optionFirewalledUDP
	}
	if pa.Relayed {
		options |= optionRelayed
	}
	buf.WriteByte(options)
	buf.WriteNumber160(pa.PeerID)
	pa.Socket.Encode(buf)
	if pa.Relayed {
		n := len(pa.Relays)
		if n > MaxRelays {
			n = MaxRelays
		}
		buf.WriteByte(byte(n))
		for _, r := range pa.Relays[:n] {
			r.Encode(buf)
		}
	}
}

// DecodePeerAddress 解码一个地址
func DecodePeerAddress(buf *Buffer) (PeerAddress, error) {
	var pa PeerAddress
	if buf.Readable() < 1+keyspace.ByteArraySize {
		return pa, errors.New("地址字节不足")
	}
	options := buf.ReadByte()
	pa.FirewalledTCP = options&optionFirewalledTCP != 0
	pa.FirewalledUDP = options&optionFirewalledUDP != 0
	pa.Relayed = options&optionRelayed != 0
	pa.PeerID = buf.ReadNumber160()
	sock, err := DecodePeerSocketAddress(buf)
	if err != nil {
		return pa, err
	}
	pa.Socket = sock
	if pa.Relayed {
		if buf.Readable() < 1 {
			return pa, errors.New("地址字节不足")
		}
		n := int(buf.ReadByte())
		if n > MaxRelays {
			return pa, fmt.Errorf("中继端点过多: %d", n)
		}
		for i := 0; i < n; i++ {
			r, err := DecodePeerSocketAddress(buf)
			if err != nil {
				return pa, err
			}
			pa.Relays = append(pa.Relays, r)
		}
	}
	return pa, nil
}

// WithRelays 返回置位 Relayed 并替换中继端点的副本
// 参数:
//   - relays: []PeerSocketAddress 当前中继端点
//
// 返回值:
//   - PeerAddress 新地址
func (pa PeerAddress) WithRelays(relays []PeerSocketAddress) PeerAddress {
	out := pa
	out.Relayed = len(relays) > 0
	out.Relays = append([]PeerSocketAddress(nil), relays...)
	return out
}

// Unreachable 判断节点是否无法接受直连
func (pa PeerAddress) Unreachable() bool {
	return pa.FirewalledTCP && pa.FirewalledUDP
}

func (pa PeerAddress) String() string {
	return fmt.Sprintf("Peer[%s %s relayed:%v]", pa.PeerID, pa.Socket, pa.Relayed)
}
