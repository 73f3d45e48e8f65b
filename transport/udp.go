package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/dep2p/stordht/message"
)

// maxDatagramSize 是单个UDP报文的上限,一报文一消息
const maxDatagramSize = 65507

// UDPWire 是基于UDP套接字的承载
type UDPWire struct {
	dispatcher *Dispatcher
	conn       *net.UDPConn
	sock       message.PeerSocketAddress

	wg        sync.WaitGroup
	closeOnce sync.Once
	closedCh  chan struct{}
}

var _ Wire = (*UDPWire)(nil)

// NewUDPWire 监听给定地址并创建承载
// 参数:
//   - listenAddr: string 监听地址,如 "127.0.0.1:0"
//   - dispatcher: *Dispatcher 分发器
//
// 返回值:
//   - *UDPWire 承载
//   - error 错误信息
func NewUDPWire(listenAddr string, dispatcher *Dispatcher) (*UDPWire, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	addrPort := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	w := &UDPWire{
		dispatcher: dispatcher,
		conn:       conn,
		sock: message.PeerSocketAddress{
			Addr:    addrPort.Addr(),
			TCPPort: addrPort.Port(),
			UDPPort: addrPort.Port(),
		},
		closedCh: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.readLoop()
	return w, nil
}

// LocalSocket 返回监听端点
func (w *UDPWire) LocalSocket() message.PeerSocketAddress { return w.sock }

func (w *UDPWire) readLoop() {
	defer w.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		n, remote, err := w.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-w.closedCh:
			default:
				log.Debugw("读取报文失败", "error", err)
			}
			return
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])
		go w.handleDatagram(raw, remote)
	}
}

func (w *UDPWire) handleDatagram(raw []byte, remote *net.UDPAddr) {
	m, err := message.DecodeMessage(message.NewBufferFrom(raw))
	if err != nil {
		log.Debugw("解码报文失败, 丢弃", "from", remote, "error", err)
		return
	}
	if !m.IsRequest() {
		// 应答报文由 Exchange 的专用套接字接收,这里只处理请求
		return
	}
	resp, err := w.dispatcher.Dispatch(context.Background(), m)
	if err != nil || resp == nil {
		if err != nil {
			log.Debugw("处理请求失败", "command", m.Command, "error", err)
		}
		return
	}
	out := message.NewBuffer()
	if err := resp.Encode(out); err != nil {
		log.Debugw("编码应答失败", "error", err)
		return
	}
	if _, err := w.conn.WriteToUDP(out.Bytes(), remote); err != nil {
		log.Debugw("写出应答失败", "error", err)
	}
}

// Exchange 通过一问一答的报文交换完成RPC
func (w *UDPWire) Exchange(ctx context.Context, to message.PeerSocketAddress, kind ChannelKind, m *message.Message) (*message.Message, error) {
	raddr := &net.UDPAddr{IP: to.Addr.AsSlice(), Port: int(to.UDPPort)}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, errors.Join(ErrPeerUnreachable, err)
	}
	defer conn.Close()

	out := message.NewBuffer()
	if err := m.Encode(out); err != nil {
		return nil, err
	}
	if len(out.Bytes()) > maxDatagramSize {
		return nil, fmt.Errorf("消息超过报文上限: %d", len(out.Bytes()))
	}
	if _, err := conn.Write(out.Bytes()); err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	buf := make([]byte, maxDatagramSize)
	n, err := conn.Read(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, context.DeadlineExceeded
		}
		return nil, err
	}
	return message.DecodeMessage(message.NewBufferFrom(buf[:n]))
}

// Close 停止读取循环并关闭套接字
func (w *UDPWire) Close() error {
	w.closeOnce.Do(func() {
		close(w.closedCh)
		w.conn.Close()
	})
	w.wg.Wait()
	return nil
}
