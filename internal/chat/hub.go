package chat

import (
	"fmt"
	"sync"

	"github.com/lithammer/shortuuid/v4"

	"github.com/tellerhq/teller/pkg/log"
	"github.com/tellerhq/teller/pkg/rpc"
	"github.com/tellerhq/teller/pkg/serialize"
	"github.com/tellerhq/teller/pkg/teller"
)

const DefaultSessionQueueDepth = 32

// Hub is the chat session registry and fan-out point. Each accepted message
// is enqueued to every other open session concurrently, and the sender only
// advances once every destination has the message queued. That keeps
// messages from a single participant in order everywhere while a slow
// session only suspends producers, never loses messages.
type Hub struct {
	logger     log.Logger
	queueDepth int

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewHub(queueDepth int, logger log.Logger) *Hub {
	if queueDepth <= 0 {
		queueDepth = DefaultSessionQueueDepth
	}
	return &Hub{
		logger:     logger,
		queueDepth: queueDepth,
		sessions:   make(map[string]*Session),
	}
}

// Register wires the chat method onto the server.
func (h *Hub) Register(server *rpc.Server) {
	server.RegisterStream(
		teller.ChatServiceID,
		teller.ChatMethodID,
		h.handleChat)
}

func (h *Hub) handleChat(stream *rpc.Stream, reader *serialize.Reader) error {
	join := &teller.ChatJoin{}
	if err := join.Deserialize(reader); err != nil {
		return rpc.Errorf(rpc.CodeInvalidRequest, "malformed join: %v", err)
	}
	if join.Sender == "" {
		return rpc.NewError(rpc.CodeInvalidRequest, "sender is required")
	}

	session := h.admit(join.Sender, stream)

	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		session.deliverLoop()
	}()

	err := session.readLoop()

	// wait for the flush so a draining participant still receives what was
	// queued before the stream terminates
	<-delivered
	session.close(err)
	return err
}

// admit creates a session and adds it to the broadcast set.
func (h *Hub) admit(name string, stream Stream) *Session {
	session := &Session{
		id:       shortuuid.New(),
		name:     name,
		stream:   stream,
		hub:      h,
		out:      make(chan *teller.ChatMessage, h.queueDepth),
		done:     make(chan struct{}),
		draining: make(chan struct{}),
	}

	h.mu.Lock()
	h.sessions[session.id] = session
	h.mu.Unlock()

	if h.logger != nil {
		h.logger.Info(fmt.Sprintf("chat session %s (%s) joined", session.id, name))
	}
	return session
}

func (h *Hub) remove(session *Session) {
	h.mu.Lock()
	delete(h.sessions, session.id)
	h.mu.Unlock()
}

// Count reports the number of sessions in the broadcast set.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// broadcast queues msg for every session other than src. Each destination
// is enqueued on its own goroutine so one full queue does not delay the
// others, and the call returns only when every enqueue has landed or its
// destination closed.
func (h *Hub) broadcast(src *Session, msg *teller.ChatMessage) {
	h.mu.Lock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, session := range h.sessions {
		if session != src {
			targets = append(targets, session)
		}
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(dst *Session) {
			defer wg.Done()
			select {
			case dst.out <- msg:
			case <-dst.done:
			}
		}(target)
	}
	wg.Wait()
}

// Close tears down every session. Used on server shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, session := range h.sessions {
		sessions = append(sessions, session)
	}
	h.mu.Unlock()

	for _, session := range sessions {
		session.close(rpc.NewError(rpc.CodeCancelled, "server shutting down"))
	}
}
