package rpc

import (
	"context"
	"io"
	"sync"

	"github.com/tellerhq/teller/pkg/serialize"
)

// StreamState tracks a stream's lifecycle: Open (both directions active),
// Draining (peer half-closed its send side, pending messages still flow
// out), Closed (terminal; resources released).
type StreamState int

const (
	StreamStateOpen StreamState = iota
	StreamStateDraining
	StreamStateClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamStateOpen:
		return "open"
	case StreamStateDraining:
		return "draining"
	case StreamStateClosed:
		return "closed"
	}
	return "unknown"
}

// Stream is the server side of a streaming call. The connection read loop
// is the only writer to the inbound queue; handler goroutines consume it
// through Recv. Closing is idempotent and reachable from any state.
type Stream struct {
	id      uint64
	conn    Connection
	ctx     context.Context
	cancel  context.CancelFunc
	inbound chan *serialize.Reader
	done    chan struct{}

	mu       sync.Mutex
	state    StreamState
	inputEnd bool
	status   *Error

	onClose func()
}

func newStream(ctx context.Context, id uint64, conn Connection, queueDepth int, onClose func()) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	return &Stream{
		id:      id,
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		inbound: make(chan *serialize.Reader, queueDepth),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (s *Stream) ID() uint64 {
	return s.id
}

// Context carries the call metadata and is cancelled when the stream
// closes.
func (s *Stream) Context() context.Context {
	return s.ctx
}

func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the stream reaches Closed. Producers delivering into
// per-stream queues select against it so a closing stream never wedges them.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Recv blocks for the next inbound message. It returns io.EOF once the peer
// has half-closed and the queue is drained, and the terminal status if the
// stream closed.
func (s *Stream) Recv(ctx context.Context) (*serialize.Reader, error) {
	select {
	case reader, ok := <-s.inbound:
		if !ok {
			return nil, io.EOF
		}
		return reader, nil
	case <-s.done:
		return nil, s.terminalError()
	case <-ctx.Done():
		return nil, FromContextError(ctx.Err())
	}
}

// Send delivers one message to the peer. The write is synchronous on the
// connection, so producers suspend when the transport is not ready.
func (s *Stream) Send(msg Message) error {
	s.mu.Lock()
	if s.state == StreamStateClosed {
		s.mu.Unlock()
		return s.terminalError()
	}
	s.mu.Unlock()

	return s.conn.Send(encodeStreamData(s.id, msg))
}

// Close terminates the stream cleanly and notifies the peer. Closing an
// already-closed stream is a no-op.
func (s *Stream) Close() error {
	return s.close(nil, true)
}

// CloseWithError terminates the stream with a coded error. The error crosses
// the wire on the terminal close frame.
func (s *Stream) CloseWithError(err error) error {
	return s.close(asWireError(err), true)
}

func (s *Stream) close(status *Error, notifyPeer bool) error {
	s.mu.Lock()
	if s.state == StreamStateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StreamStateClosed
	s.status = status
	s.mu.Unlock()

	s.cancel()
	close(s.done)
	if s.onClose != nil {
		s.onClose()
	}

	if !notifyPeer {
		return nil
	}

	code := CodeOK
	message := ""
	if status != nil {
		code = status.Code
		message = status.Message
	}
	return s.conn.Send(encodeStreamClose(s.id, code, message))
}

func (s *Stream) terminalError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != nil {
		return s.status
	}
	return NewError(CodeCancelled, "stream closed")
}

// pushInbound is called by the connection read loop only. It blocks when the
// queue is full, which stalls the read loop: connection-level flow control.
func (s *Stream) pushInbound(reader *serialize.Reader) error {
	select {
	case s.inbound <- reader:
		return nil
	case <-s.done:
		return s.terminalError()
	}
}

// finishInput marks the peer's half-close. Called by the connection read
// loop only, never concurrently with pushInbound.
func (s *Stream) finishInput() {
	s.mu.Lock()
	if s.inputEnd || s.state == StreamStateClosed {
		s.mu.Unlock()
		return
	}
	s.inputEnd = true
	if s.state == StreamStateOpen {
		s.state = StreamStateDraining
	}
	s.mu.Unlock()

	close(s.inbound)
}

// handleRemoteClose records a terminal close received from the peer.
func (s *Stream) handleRemoteClose(status *Error) {
	s.close(status, false)
}

func encodeStreamData(id uint64, msg Message) []byte {
	writer := serialize.NewFixedSizeWriter(
		ByteSizePrefix() +
			serialize.ByteSizeUInt64(id) +
			msg.ByteSize())

	SerializePrefix(writer, StreamDataPrefix)
	serialize.SerializeUInt64(writer, id)
	msg.Serialize(writer)
	return writer.Bytes()
}

func encodeStreamEnd(id uint64) []byte {
	writer := serialize.NewFixedSizeWriter(
		ByteSizePrefix() +
			serialize.ByteSizeUInt64(id))

	SerializePrefix(writer, StreamEndPrefix)
	serialize.SerializeUInt64(writer, id)
	return writer.Bytes()
}

func encodeStreamClose(id uint64, code Code, message string) []byte {
	writer := serialize.NewFixedSizeWriter(
		ByteSizePrefix() +
			serialize.ByteSizeUInt64(id) +
			serialize.ByteSizeUInt8(uint8(code)) +
			serialize.ByteSizeString(message))

	SerializePrefix(writer, StreamClosePrefix)
	serialize.SerializeUInt64(writer, id)
	serialize.SerializeUInt8(writer, uint8(code))
	serialize.SerializeString(writer, message)
	return writer.Bytes()
}
