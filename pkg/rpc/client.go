package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"

	"github.com/tellerhq/teller/pkg/log"
	"github.com/tellerhq/teller/pkg/serialize"
)

type ClientConfig struct {
	Transport  ClientTransport
	ErrHandler func(error)
	Logger     log.Logger
	// StreamQueueDepth bounds each stream's inbound queue. Defaults to
	// DefaultStreamQueueDepth.
	StreamQueueDepth int
}

// Client multiplexes unary calls and streams over one connection, opened
// lazily on first use.
type Client struct {
	conf       ClientConfig
	mu         *sync.Mutex
	conn       Connection
	transport  ClientTransport
	requests   map[uint64]chan *serialize.Reader
	streams    map[uint64]*ClientStream
	requestID  uint64
	streamID   uint64
	queueDepth int
}

func seedID() uint64 {
	return uint64(rand.Uint32())<<32 + uint64(rand.Uint32())
}

func NewClient(conf ClientConfig) *Client {
	queueDepth := conf.StreamQueueDepth
	if queueDepth <= 0 {
		queueDepth = DefaultStreamQueueDepth
	}

	return &Client{
		conf:       conf,
		transport:  conf.Transport,
		mu:         &sync.Mutex{},
		requestID:  seedID(),
		streamID:   seedID(),
		requests:   make(map[uint64]chan *serialize.Reader),
		streams:    make(map[uint64]*ClientStream),
		queueDepth: queueDepth,
	}
}

func (c *Client) logDebug(msg string) {
	if c.conf.Logger != nil {
		c.conf.Logger.Debug(msg)
	}
}

func (c *Client) logError(msg string) {
	if c.conf.Logger != nil {
		c.conf.Logger.Error(msg)
	}
}

func (c *Client) handleError(err error) error {
	c.logError("encountered error: " + err.Error())
	if c.conf.ErrHandler != nil {
		c.conf.ErrHandler(err)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	requests := c.requests
	c.requests = make(map[uint64]chan *serialize.Reader)
	streams := c.streams
	c.streams = make(map[uint64]*ClientStream)
	c.mu.Unlock()

	go func() {
		for _, ch := range requests {
			ch <- nil
		}
		for _, stream := range streams {
			stream.fail(NewError(CodeSessionError, "connection lost"))
		}
	}()

	return err
}

// Close tears down the connection. In-flight calls and streams fail.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	requests := c.requests
	c.requests = make(map[uint64]chan *serialize.Reader)
	streams := c.streams
	c.streams = make(map[uint64]*ClientStream)
	c.mu.Unlock()

	for _, ch := range requests {
		ch <- nil
	}
	for _, stream := range streams {
		stream.fail(NewError(CodeCancelled, "client closed"))
	}

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) connectUnsafe() error {
	if c.conn != nil {
		return nil
	}

	c.logDebug("connecting to server")
	conn, err := c.transport.Connect()
	if err != nil {
		return err
	}
	c.conn = conn

	go c.readLoop(conn)

	return nil
}

func (c *Client) readLoop(conn Connection) {
	for {
		bs, err := conn.Receive()
		if err != nil {
			if errors.Is(err, ErrConnectionClosed) {
				c.logDebug("connection closed normally")
				c.handleError(NewError(CodeCancelled, "connection closed"))
				return
			}
			c.handleError(err)
			return
		}

		reader := serialize.NewReader(bs)

		var prefix [16]byte
		err = DeserializePrefix(&prefix, reader)
		if err != nil {
			c.handleError(err)
			return
		}

		switch prefix {
		case CallResponsePrefix:
			c.handleCallResponse(reader)
		case StreamDataPrefix:
			c.handleStreamData(reader)
		case StreamClosePrefix:
			c.handleStreamClose(reader)
		default:
			c.handleError(fmt.Errorf("unexpected prefix: %v", prefix))
			return
		}
	}
}

func (c *Client) handleCallResponse(reader *serialize.Reader) {
	var requestID uint64
	err := serialize.DeserializeUInt64(&requestID, reader)
	if err != nil {
		c.handleError(err)
		return
	}

	c.mu.Lock()
	ch, ok := c.requests[requestID]
	delete(c.requests, requestID)
	c.mu.Unlock()

	if !ok {
		// a caller that hit its deadline already dropped this request; its
		// late response is nobody else's failure
		c.logDebug(fmt.Sprintf("dropping response for unknown request %d", requestID))
		return
	}

	ch <- reader
}

func (c *Client) handleStreamData(reader *serialize.Reader) {
	var streamID uint64
	err := serialize.DeserializeUInt64(&streamID, reader)
	if err != nil {
		c.handleError(err)
		return
	}

	c.mu.Lock()
	stream, ok := c.streams[streamID]
	c.mu.Unlock()

	if !ok {
		c.logDebug(fmt.Sprintf("dropping data for unknown stream %d", streamID))
		return
	}

	stream.handleData(reader)
}

func (c *Client) handleStreamClose(reader *serialize.Reader) {
	var streamID uint64
	err := serialize.DeserializeUInt64(&streamID, reader)
	if err != nil {
		c.handleError(err)
		return
	}

	c.mu.Lock()
	stream, ok := c.streams[streamID]
	delete(c.streams, streamID)
	c.mu.Unlock()

	if !ok {
		return
	}

	status, err := DeserializeError(reader)
	if err != nil {
		status = NewError(CodeSessionError, "malformed close frame")
	}
	if status.Code == CodeOK {
		status = nil
	}
	stream.handleRemoteClose(status)
}

func (c *Client) sendRequest(frame []byte, requestID uint64) (chan *serialize.Reader, error) {
	c.mu.Lock()

	err := c.connectUnsafe()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	ch := make(chan *serialize.Reader, 1)
	c.requests[requestID] = ch

	err = c.conn.Send(frame)
	if err != nil {
		delete(c.requests, requestID)
		// handleError takes the lock itself
		c.mu.Unlock()
		return nil, c.handleError(err)
	}

	c.mu.Unlock()
	return ch, nil
}

func (c *Client) awaitResponse(ctx context.Context, requestID uint64, ch chan *serialize.Reader) (*serialize.Reader, error) {
	select {
	case reader := <-ch:
		if reader == nil {
			return nil, NewError(CodeSessionError, "connection lost")
		}

		var responseType uint8
		if err := serialize.DeserializeUInt8(&responseType, reader); err != nil {
			return nil, err
		}

		if responseType == MessageResponse {
			return reader, nil
		}

		rpcErr, err := DeserializeError(reader)
		if err != nil {
			return nil, err
		}
		return nil, rpcErr
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.requests, requestID)
		c.mu.Unlock()
		return nil, FromContextError(ctx.Err())
	}
}

// Call performs a unary call: exactly one request, exactly one response or
// one error. The context deadline is honored while waiting.
func (c *Client) Call(ctx context.Context, serviceID uint64, methodID uint64, msg Message) (*serialize.Reader, error) {
	c.mu.Lock()
	requestID := c.requestID
	c.requestID++
	c.mu.Unlock()

	writer := serialize.NewFixedSizeWriter(
		ByteSizePrefix() +
			ByteSizeContext(ctx) +
			serialize.ByteSizeUInt64(requestID) +
			serialize.ByteSizeUInt64(serviceID) +
			serialize.ByteSizeUInt64(methodID) +
			msg.ByteSize())

	SerializePrefix(writer, CallRequestPrefix)
	SerializeContext(writer, ctx)
	serialize.SerializeUInt64(writer, requestID)
	serialize.SerializeUInt64(writer, serviceID)
	serialize.SerializeUInt64(writer, methodID)
	msg.Serialize(writer)

	ch, err := c.sendRequest(writer.Bytes(), requestID)
	if err != nil {
		return nil, err
	}

	return c.awaitResponse(ctx, requestID, ch)
}

// OpenStream opens a streaming call carrying req as the initial request.
// It returns once the server acknowledges the stream. The same entry point
// serves server-stream calls (Recv only) and bidirectional calls.
func (c *Client) OpenStream(ctx context.Context, serviceID uint64, methodID uint64, req Message) (*ClientStream, error) {
	c.mu.Lock()
	requestID := c.requestID
	c.requestID++
	streamID := c.streamID
	c.streamID++
	c.mu.Unlock()

	stream := &ClientStream{
		id:      streamID,
		client:  c,
		inbound: make(chan *serialize.Reader, c.queueDepth),
		done:    make(chan struct{}),
	}

	writer := serialize.NewFixedSizeWriter(
		ByteSizePrefix() +
			ByteSizeContext(ctx) +
			serialize.ByteSizeUInt64(requestID) +
			serialize.ByteSizeUInt64(streamID) +
			serialize.ByteSizeUInt64(serviceID) +
			serialize.ByteSizeUInt64(methodID) +
			req.ByteSize())

	SerializePrefix(writer, StreamOpenPrefix)
	SerializeContext(writer, ctx)
	serialize.SerializeUInt64(writer, requestID)
	serialize.SerializeUInt64(writer, streamID)
	serialize.SerializeUInt64(writer, serviceID)
	serialize.SerializeUInt64(writer, methodID)
	req.Serialize(writer)

	// register before sending so data frames racing the ack are delivered
	c.mu.Lock()
	c.streams[streamID] = stream
	c.mu.Unlock()

	ch, err := c.sendRequest(writer.Bytes(), requestID)
	if err != nil {
		c.removeStream(streamID)
		return nil, err
	}

	_, err = c.awaitResponse(ctx, requestID, ch)
	if err != nil {
		c.removeStream(streamID)
		return nil, err
	}

	return stream, nil
}

func (c *Client) removeStream(streamID uint64) {
	c.mu.Lock()
	delete(c.streams, streamID)
	c.mu.Unlock()
}

func (c *Client) sendOnConn(frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return NewError(CodeSessionError, "not connected")
	}
	return conn.Send(frame)
}

// ClientStream is the client side of a streaming call.
type ClientStream struct {
	id      uint64
	client  *Client
	inbound chan *serialize.Reader
	done    chan struct{}

	mu         sync.Mutex
	closed     bool
	sendClosed bool
	inputEnd   bool
	status     *Error
}

func (s *ClientStream) ID() uint64 {
	return s.id
}

// Send delivers one message to the server.
func (s *ClientStream) Send(msg Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.terminalError()
	}
	if s.sendClosed {
		s.mu.Unlock()
		return NewError(CodeInvalidRequest, "send side already closed")
	}
	s.mu.Unlock()

	return s.client.sendOnConn(encodeStreamData(s.id, msg))
}

// CloseSend half-closes the stream: no more messages will be sent, the
// server may keep delivering until it closes its side.
func (s *ClientStream) CloseSend() error {
	s.mu.Lock()
	if s.closed || s.sendClosed {
		s.mu.Unlock()
		return nil
	}
	s.sendClosed = true
	s.mu.Unlock()

	return s.client.sendOnConn(encodeStreamEnd(s.id))
}

// Recv blocks for the next message from the server. It returns io.EOF on a
// clean terminal close, and the terminal error otherwise.
func (s *ClientStream) Recv(ctx context.Context) (*serialize.Reader, error) {
	select {
	case reader, ok := <-s.inbound:
		if !ok {
			s.mu.Lock()
			status := s.status
			s.mu.Unlock()
			if status != nil {
				return nil, status
			}
			return nil, io.EOF
		}
		return reader, nil
	case <-s.done:
		return nil, s.terminalError()
	case <-ctx.Done():
		return nil, FromContextError(ctx.Err())
	}
}

// Close cancels the stream. Closing twice is a no-op.
func (s *ClientStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.status == nil {
		s.status = NewError(CodeCancelled, "stream closed")
	}
	s.mu.Unlock()

	close(s.done)
	s.client.removeStream(s.id)

	return s.client.sendOnConn(encodeStreamClose(s.id, CodeCancelled, "cancelled"))
}

func (s *ClientStream) terminalError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != nil {
		return s.status
	}
	return NewError(CodeCancelled, "stream closed")
}

// handleData is called by the client read loop only.
func (s *ClientStream) handleData(reader *serialize.Reader) {
	select {
	case s.inbound <- reader:
	case <-s.done:
	}
}

// handleRemoteClose is called by the client read loop only; the queue is
// closed after the status is recorded so Recv drains pending data first.
func (s *ClientStream) handleRemoteClose(status *Error) {
	s.mu.Lock()
	if s.inputEnd {
		s.mu.Unlock()
		return
	}
	s.inputEnd = true
	s.status = status
	s.mu.Unlock()

	close(s.inbound)
}

// fail terminates the stream locally on connection loss.
func (s *ClientStream) fail(status *Error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.status == nil {
		s.status = status
	}
	s.mu.Unlock()

	close(s.done)
}
