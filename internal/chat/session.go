package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tellerhq/teller/pkg/rpc"
	"github.com/tellerhq/teller/pkg/serialize"
	"github.com/tellerhq/teller/pkg/teller"
)

// Stream is the slice of stream behavior a session drives. Satisfied by
// *rpc.Stream.
type Stream interface {
	Context() context.Context
	Recv(ctx context.Context) (*serialize.Reader, error)
	Send(msg rpc.Message) error
}

// SessionState tracks a session's lifecycle. A session moves Open ->
// Draining when its participant half-closes, and reaches Closed exactly
// once from any prior state.
type SessionState int

const (
	SessionOpen SessionState = iota
	SessionDraining
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionOpen:
		return "open"
	case SessionDraining:
		return "draining"
	case SessionClosed:
		return "closed"
	}
	return "unknown"
}

// Session binds one chat participant to its stream. Outbound messages pass
// through a bounded queue: the hub's broadcast suspends on a full queue
// rather than dropping, and selects against done so a closing session never
// wedges a producer.
type Session struct {
	id       string
	name     string
	stream   Stream
	hub      *Hub
	out      chan *teller.ChatMessage
	done     chan struct{}
	draining chan struct{}

	mu    sync.Mutex
	state SessionState
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Name() string {
	return s.name
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// readLoop pulls messages from the participant until half-close or failure.
// It returns the error the stream should terminate with, nil for a clean
// drain.
func (s *Session) readLoop() error {
	for {
		reader, err := s.stream.Recv(s.stream.Context())
		if errors.Is(err, io.EOF) {
			s.beginDrain()
			return nil
		}
		if err != nil {
			s.close(err)
			return err
		}

		msg := &teller.ChatMessage{}
		if err := msg.Deserialize(reader); err != nil {
			err = rpc.Errorf(rpc.CodeInvalidRequest, "malformed chat message: %v", err)
			s.close(err)
			return err
		}

		// the join name is authoritative, not whatever the client stamped
		msg.Sender = s.name
		if msg.SentAt.IsZero() {
			msg.SentAt = time.Now().UTC()
		}
		s.hub.broadcast(s, msg)
	}
}

// deliverLoop pushes queued messages to the participant. On drain it
// flushes whatever was queued at half-close, then closes the session.
func (s *Session) deliverLoop() {
	for {
		select {
		case msg := <-s.out:
			if !s.deliver(msg) {
				return
			}
		case <-s.draining:
			for {
				select {
				case msg := <-s.out:
					if !s.deliver(msg) {
						return
					}
				default:
					s.close(nil)
					return
				}
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) deliver(msg *teller.ChatMessage) bool {
	if err := s.stream.Send(msg); err != nil {
		s.close(rpc.Errorf(rpc.CodeSessionError, "outbound delivery failed: %v", err))
		return false
	}
	return true
}

// beginDrain moves the session out of the broadcast set while its queued
// outbound messages are still flushed. No-op unless currently Open.
func (s *Session) beginDrain() {
	s.mu.Lock()
	if s.state != SessionOpen {
		s.mu.Unlock()
		return
	}
	s.state = SessionDraining
	s.mu.Unlock()

	s.hub.remove(s)
	close(s.draining)
}

// close releases the session exactly once. Subsequent calls are no-ops.
func (s *Session) close(err error) {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return
	}
	s.state = SessionClosed
	s.mu.Unlock()

	close(s.done)
	s.hub.remove(s)

	if s.hub.logger != nil {
		if err != nil {
			s.hub.logger.Warn(fmt.Sprintf("chat session %s (%s) closed: %v", s.id, s.name, err))
		} else {
			s.hub.logger.Info(fmt.Sprintf("chat session %s (%s) closed", s.id, s.name))
		}
	}
}
