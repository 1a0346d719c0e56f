package tcp

import (
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/tellerhq/teller/pkg/rpc"
)

// setNoDelay sets the TCP_NODELAY option on a TCP connection.
func setNoDelay(conn net.Conn, noDelay bool) error {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		return tcpConn.SetNoDelay(noDelay)
	}
	return nil
}

// Connection implements rpc.Connection over TCP. Each message is framed
// with a 4-byte big-endian length prefix.
type Connection struct {
	conn net.Conn
	mu   sync.Mutex
}

func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(data)))

	if _, err := c.conn.Write(header); err != nil {
		return err
	}
	if _, err := c.conn.Write(data); err != nil {
		return err
	}
	return nil
}

func (c *Connection) Receive() ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return nil, rpc.ErrConnectionClosed
		}
		return nil, err
	}
	length := binary.BigEndian.Uint32(header)

	data := make([]byte, length)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return nil, rpc.ErrConnectionClosed
		}
		return nil, err
	}
	return data, nil
}

func (c *Connection) Close() error {
	return c.conn.Close()
}

// ServerTransport implements rpc.ServerTransport for TCP, with optional TLS.
type ServerTransport struct {
	Port      int
	NoDelay   bool
	TLSConfig *tls.Config
	listener  net.Listener
	connCh    chan rpc.Connection
	mu        sync.Mutex
	closed    bool
}

type ServerTransportConfig struct {
	Port      int
	NoDelay   bool        // Disable Nagle's algorithm for better latency
	TLSConfig *tls.Config // Optional: serve TLS
}

func NewServerTransport(config ServerTransportConfig) *ServerTransport {
	return &ServerTransport{
		Port:      config.Port,
		NoDelay:   config.NoDelay,
		TLSConfig: config.TLSConfig,
		connCh:    make(chan rpc.Connection, 16),
	}
}

func (t *ServerTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener != nil {
		return fmt.Errorf("transport is already listening")
	}

	l, err := net.Listen("tcp", fmt.Sprintf(":%d", t.Port))
	if err != nil {
		return err
	}
	if t.TLSConfig != nil {
		l = tls.NewListener(l, t.TLSConfig)
	}
	t.listener = l

	go t.acceptLoop()

	return nil
}

func (t *ServerTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			t.mu.Lock()
			if t.closed {
				t.mu.Unlock()
				return
			}
			t.mu.Unlock()
			continue
		}

		if err := setNoDelay(conn, t.NoDelay); err != nil {
			conn.Close()
			continue
		}

		tcpConn := &Connection{
			conn: conn,
		}

		t.mu.Lock()
		if !t.closed {
			select {
			case t.connCh <- tcpConn:
			default:
				conn.Close()
			}
		} else {
			conn.Close()
		}
		t.mu.Unlock()
	}
}

func (t *ServerTransport) Accept() (rpc.Connection, error) {
	conn, ok := <-t.connCh
	if !ok {
		return nil, rpc.ErrTransportClosed
	}
	return conn, nil
}

func (t *ServerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	t.closed = true
	close(t.connCh)

	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

// ClientTransport implements rpc.ClientTransport for TCP, with optional TLS.
type ClientTransport struct {
	Host      string
	Port      int
	NoDelay   bool
	TLSConfig *tls.Config
}

type ClientTransportConfig struct {
	Host      string
	Port      int
	NoDelay   bool        // Disable Nagle's algorithm for better latency
	TLSConfig *tls.Config // Optional: dial TLS
}

func NewClientTransport(config ClientTransportConfig) *ClientTransport {
	return &ClientTransport{
		Host:      config.Host,
		Port:      config.Port,
		NoDelay:   config.NoDelay,
		TLSConfig: config.TLSConfig,
	}
}

func (t *ClientTransport) Connect() (rpc.Connection, error) {
	addr := net.JoinHostPort(t.Host, strconv.Itoa(t.Port))

	var conn net.Conn
	var err error
	if t.TLSConfig != nil {
		conn, err = tls.Dial("tcp", addr, t.TLSConfig)
	} else {
		conn, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return nil, err
	}

	if err := setNoDelay(conn, t.NoDelay); err != nil {
		conn.Close()
		return nil, err
	}

	return &Connection{
		conn: conn,
	}, nil
}
