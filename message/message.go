package message

import (
	"errors"
	"fmt"

	"github.com/dep2p/stordht/keyspace"
)

// ProtocolMagic 是信封开头的2字节协议标识
const ProtocolMagic uint16 = 0x6474

// Command 是请求种类
type Command byte

const (
	CommandPing Command = iota + 1
	CommandStore
	CommandNeighbors
	CommandDirect
	CommandQuit
	CommandPeerExchange
	CommandBroadcast
	CommandRelay
)

func (c Command) String() string {
	switch c {
	case CommandPing:
		return "PING"
	case CommandStore:
		return "STORE"
	case CommandNeighbors:
		return "NEIGHBORS"
	case CommandDirect:
		return "DIRECT"
	case CommandQuit:
		return "QUIT"
	case CommandPeerExchange:
		return "PEER_EXCHANGE"
	case CommandBroadcast:
		return "BROADCAST"
	case CommandRelay:
		return "RELAY"
	}
	return fmt.Sprintf("COMMAND(%d)", byte(c))
}

// MessageType 区分请求与各种应答
type MessageType byte

const (
	TypeRequest MessageType = iota + 1
	TypeAck
	TypeOK
	TypePartial
	TypeFail
)

// SubCommand 细分存储与中继请求
type SubCommand byte

const (
	SubCommandNone SubCommand = iota
	SubCommandPut
	SubCommandPutIfAbsent
	SubCommandGet
	SubCommandGetRange
	SubCommandRemove
	SubCommandRemoveRange
	SubCommandDigest
	SubCommandDigestRange
	SubCommandRelaySetup
	SubCommandRelayForward
)

// 内容块标签
const (
	contentTarget      = 1
	contentKey         = 2
	contentKeyPair     = 3
	contentKeySet      = 4
	contentDataMap     = 5
	contentNeighbors   = 6
	contentDigest      = 7
	contentBuffer      = 8
	contentPublicKey   = 9
	contentSubCommand  = 10
	contentStatus      = 11
	contentKeyBloom    = 12
	contentContentHash = 13
	contentInt         = 14
)

var (
	ErrBadMagic          = errors.New("协议标识错误")
	ErrTruncatedMessage  = errors.New("消息字节不足")
	ErrUnknownContentTag = errors.New("未知的内容块标签")
)

// Message 是一条RPC消息
// 固定头部之后是一串带标签的内容块,字段为nil或零值时不上线
type Message struct {
	Command   Command
	Type      MessageType
	ID        uint32
	Sender    PeerAddress
	Recipient keyspace.Number160

	SubCommand SubCommand
	Status     byte
	hasStatus  bool

	Target      *keyspace.Number160
	Key         *keyspace.Key640
	KeyFrom     *keyspace.Key640
	KeyTo       *keyspace.Key640
	KeySet      []keyspace.Key640
	DataMap     map[keyspace.Key640]*Data
	Neighbors   []PeerAddress
	Digest      *DigestInfo
	Buffer      []byte
	PublicKey   PublicKey
	KeyBloom    *BloomFilter
	HashBloom   *BloomFilter
	IntValue    uint32
	hasIntValue bool
	hasBuffer   bool
}

// NewMessage 创建一条消息
// 参数:
//   - cmd: Command 请求种类
//   - typ: MessageType 消息类型
//   - id: uint32 消息标识,应答复用请求的标识
//   - sender: PeerAddress 发送方地址
//   - recipient: keyspace.Number160 接收方节点ID
//
// 返回值:
//   - *Message 消息
func NewMessage(cmd Command, typ MessageType, id uint32, sender PeerAddress, recipient keyspace.Number160) *Message {
	return &Message{Command: cmd, Type: typ, ID: id, Sender: sender, Recipient: recipient}
}

// Response 创建对本消息的应答,方向取反并复用消息标识
// 参数:
//   - typ: MessageType 应答类型
//   - sender: PeerAddress 应答方地址
//
// 返回值:
//   - *Message 应答消息
func (m *Message) Response(typ MessageType, sender PeerAddress) *Message {
	return NewMessage(m.Command, typ, m.ID, sender, m.Sender.PeerID)
}

// SetStatus 设置状态字节并标记上线
func (m *Message) SetStatus(s byte) *Message {
	m.Status = s
	m.hasStatus = true
	return m
}

// HasStatus 判断状态字节是否在线
func (m *Message) HasStatus() bool { return m.hasStatus }

// SetBuffer 设置不透明负载并标记上线
// 空切片也会上线,区别于未设置
func (m *Message) SetBuffer(b []byte) *Message {
	m.Buffer = b
	m.hasBuffer = true
	return m
}

// HasBuffer 判断不透明负载是否在线
func (m *Message) HasBuffer() bool { return m.hasBuffer }

// SetIntValue 设置整数值并标记上线
func (m *Message) SetIntValue(v uint32) *Message {
	m.IntValue = v
	m.hasIntValue = true
	return m
}

// HasIntValue 判断整数值是否在线
func (m *Message) HasIntValue() bool { return m.hasIntValue }

// IsRequest 判断是否为请求
func (m *Message) IsRequest() bool { return m.Type == TypeRequest }

// IsOK 判断是否为成功应答
func (m *Message) IsOK() bool { return m.Type == TypeOK || m.Type == TypeAck || m.Type == TypePartial }

// Encode 写出完整消息
// 参数:
//   - buf: *Buffer 输出缓冲区
//
// 返回值:
//   - error 错误信息
func (m *Message) Encode(buf *Buffer) error {
	buf.WriteUint16(ProtocolMagic)
	buf.WriteByte(byte(m.Command))
	buf.WriteByte(byte(m.Type))
	buf.WriteUint32(m.ID)
	m.Sender.Encode(buf)
	buf.WriteNumber160(m.Recipient)

	if m.SubCommand != SubCommandNone {
		buf.WriteByte(contentSubCommand)
		buf.WriteByte(byte(m.SubCommand))
	}
	if m.hasStatus {
		buf.WriteByte(contentStatus)
		buf.WriteByte(m.Status)
	}
	if m.Target != nil {
		buf.WriteByte(contentTarget)
		buf.WriteNumber160(*m.Target)
	}
	if m.Key != nil {
		buf.WriteByte(contentKey)
		encodeKey640(buf, *m.Key)
	}
	if m.KeyFrom != nil && m.KeyTo != nil {
		buf.WriteByte(contentKeyPair)
		encodeKey640(buf, *m.KeyFrom)
		encodeKey640(buf, *m.KeyTo)
	}
	if m.KeySet != nil {
		buf.WriteByte(contentKeySet)
		buf.WriteUint32(uint32(len(m.KeySet)))
		for _, k := range m.KeySet {
			encodeKey640(buf, k)
		}
	}
	if m.DataMap != nil {
		buf.WriteByte(contentDataMap)
		buf.WriteUint32(uint32(len(m.DataMap)))
		for k, d := range m.DataMap {
			encodeKey640(buf, k)
			if err := d.Encode(buf); err != nil {
				return err
			}
		}
	}
	if m.Neighbors != nil {
		buf.WriteByte(contentNeighbors)
		buf.WriteByte(byte(len(m.Neighbors)))
		for _, n := range m.Neighbors {
			n.Encode(buf)
		}
	}
	if m.Digest != nil {
		buf.WriteByte(contentDigest)
		m.Digest.Encode(buf)
	}
	if m.hasBuffer {
		buf.WriteByte(contentBuffer)
		buf.WriteUint32(uint32(len(m.Buffer)))
		buf.Write(m.Buffer)
	}
	if m.PublicKey != nil {
		buf.WriteByte(contentPublicKey)
		buf.WriteUint16(uint16(len(m.PublicKey)))
		buf.Write(m.PublicKey)
	}
	if m.KeyBloom != nil {
		buf.WriteByte(contentKeyBloom)
		m.KeyBloom.Encode(buf)
	}
	if m.HashBloom != nil {
		buf.WriteByte(contentContentHash)
		m.HashBloom.Encode(buf)
	}
	if m.hasIntValue {
		buf.WriteByte(contentInt)
		buf.WriteUint32(m.IntValue)
	}
	return nil
}

// DecodeMessage 解码一条完整消息
// 消息必须完整地位于缓冲区中,TCP侧由长度成帧保证,UDP侧一报文一消息
// 参数:
//   - buf: *Buffer 输入缓冲区
//
// 返回值:
//   - *Message 消息
//   - error 错误信息
func DecodeMessage(buf *Buffer) (*Message, error) {
	if buf.Readable() < 8 {
		return nil, ErrTruncatedMessage
	}
	if buf.ReadUint16() != ProtocolMagic {
		return nil, ErrBadMagic
	}
	m := &Message{
		Command: Command(buf.ReadByte()),
		Type:    MessageType(buf.ReadByte()),
		ID:      buf.ReadUint32(),
	}
	sender, err := DecodePeerAddress(buf)
	if err != nil {
		return nil, err
	}
	m.Sender = sender
	if buf.Readable() < keyspace.ByteArraySize {
		return nil, ErrTruncatedMessage
	}
	m.Recipient = buf.ReadNumber160()

	for buf.Readable() > 0 {
		tag := buf.ReadByte()
		switch tag {
		case contentSubCommand:
			if buf.Readable() < 1 {
				return nil, ErrTruncatedMessage
			}
			m.SubCommand = SubCommand(buf.ReadByte())
		case contentStatus:
			if buf.Readable() < 1 {
				return nil, ErrTruncatedMessage
			}
			m.SetStatus(buf.ReadByte())
		case contentTarget:
			if buf.Readable() < keyspace.ByteArraySize {
				return nil, ErrTruncatedMessage
			}
			t := buf.ReadNumber160()
			m.Target = &t
		case contentKey:
			if buf.Readable() < 4*keyspace.ByteArraySize {
				return nil, ErrTruncatedMessage
			}
			k := decodeKey640(buf)
			m.Key = &k
		case contentKeyPair:
			if buf.Readable() < 8*keyspace.ByteArraySize {
				return nil, ErrTruncatedMessage
			}
			from := decodeKey640(buf)
			to := decodeKey640(buf)
			m.KeyFrom, m.KeyTo = &from, &to
		case contentKeySet:
			if buf.Readable() < 4 {
				return nil, ErrTruncatedMessage
			}
			n := int(buf.ReadUint32())
			m.KeySet = make([]keyspace.Key640, 0, n)
			for i := 0; i < n; i++ {
				if buf.Readable() < 4*keyspace.ByteArraySize {
					return nil, ErrTruncatedMessage
				}
				m.KeySet = append(m.KeySet, decodeKey640(buf))
			}
		case contentDataMap:
			if buf.Readable() < 4 {
				return nil, ErrTruncatedMessage
			}
			n := int(buf.ReadUint32())
			m.DataMap = make(map[keyspace.Key640]*Data, n)
			for i := 0; i < n; i++ {
				if buf.Readable() < 4*keyspace.ByteArraySize {
					return nil, ErrTruncatedMessage
				}
				k := decodeKey640(buf)
				d, err := Decode(buf, nil)
				if err != nil {
					return nil, err
				}
				if d == nil {
					return nil, ErrTruncatedMessage
				}
				m.DataMap[k] = d
			}
		case contentNeighbors:
			if buf.Readable() < 1 {
				return nil, ErrTruncatedMessage
			}
			n := int(buf.ReadByte())
			m.Neighbors = make([]PeerAddress, 0, n)
			for i := 0; i < n; i++ {
				pa, err := DecodePeerAddress(buf)
				if err != nil {
					return nil, err
				}
				m.Neighbors = append(m.Neighbors, pa)
			}
		case contentDigest:
			di, err := DecodeDigestInfo(buf)
			if err != nil {
				return nil, err
			}
			m.Digest = di
		case contentBuffer:
			if buf.Readable() < 4 {
				return nil, ErrTruncatedMessage
			}
			n := int(buf.ReadUint32())
			if buf.Readable() < n {
				return nil, ErrTruncatedMessage
			}
			m.SetBuffer(buf.ReadBytes(n))
		case contentPublicKey:
			if buf.Readable() < 2 {
				return nil, ErrTruncatedMessage
			}
			n := int(buf.ReadUint16())
			if buf.Readable() < n {
				return nil, ErrTruncatedMessage
			}
			m.PublicKey = PublicKey(buf.ReadBytes(n))
		case contentKeyBloom:
			bf, err := DecodeBloomFilter(buf)
			if err != nil {
				return nil, err
			}
			m.KeyBloom = bf
		case contentContentHash:
			bf, err := DecodeBloomFilter(buf)
			if err != nil {
				return nil, err
			}
			m.HashBloom = bf
		case contentInt:
			if buf.Readable() < 4 {
				return nil, ErrTruncatedMessage
			}
			m.SetIntValue(buf.ReadUint32())
		default:
			return nil, fmt.Errorf("%w: %d", ErrUnknownContentTag, tag)
		}
	}
	return m, nil
}

func (m *Message) String() string {
	return fmt.Sprintf("Msg[%s/%d id:%d from:%s to:%s]", m.Command, m.Type, m.ID, m.Sender.PeerID, m.Recipient)
}
