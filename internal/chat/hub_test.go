package chat

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tellerhq/teller/pkg/rpc"
	"github.com/tellerhq/teller/pkg/serialize"
	"github.com/tellerhq/teller/pkg/teller"
)

// fakeStream stands in for an rpc stream: inbound frames arrive on a
// channel, outbound messages are captured.
type fakeStream struct {
	ctx     context.Context
	cancel  context.CancelFunc
	inbound chan *serialize.Reader

	mu   sync.Mutex
	sent []*teller.ChatMessage
}

func newFakeStream() *fakeStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeStream{
		ctx:     ctx,
		cancel:  cancel,
		inbound: make(chan *serialize.Reader, 16),
	}
}

func (f *fakeStream) Context() context.Context {
	return f.ctx
}

func (f *fakeStream) Recv(ctx context.Context) (*serialize.Reader, error) {
	select {
	case reader, ok := <-f.inbound:
		if !ok {
			return nil, io.EOF
		}
		return reader, nil
	case <-ctx.Done():
		return nil, rpc.FromContextError(ctx.Err())
	}
}

func (f *fakeStream) Send(msg rpc.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg.(*teller.ChatMessage))
	return nil
}

func (f *fakeStream) push(t *testing.T, msg *teller.ChatMessage) {
	t.Helper()
	writer := serialize.NewFixedSizeWriter(msg.ByteSize())
	msg.Serialize(writer)
	f.inbound <- serialize.NewReader(writer.Bytes())
}

func (f *fakeStream) received() []*teller.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*teller.ChatMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

// participant wires a fake stream through the session loops the way the
// stream handler does.
type participant struct {
	session *Session
	stream  *fakeStream
	done    chan error
}

func join(t *testing.T, hub *Hub, name string) *participant {
	t.Helper()
	stream := newFakeStream()
	session := hub.admit(name, stream)

	p := &participant{
		session: session,
		stream:  stream,
		done:    make(chan error, 1),
	}
	go func() {
		delivered := make(chan struct{})
		go func() {
			defer close(delivered)
			session.deliverLoop()
		}()
		err := session.readLoop()
		<-delivered
		session.close(err)
		p.done <- err
	}()
	return p
}

func (p *participant) say(t *testing.T, text string) {
	t.Helper()
	p.stream.push(t, &teller.ChatMessage{Text: text})
}

func (p *participant) leave() {
	close(p.stream.inbound)
}

func (p *participant) waitDone(t *testing.T) error {
	t.Helper()
	select {
	case err := <-p.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("participant did not terminate")
		return nil
	}
}

func waitForMessages(t *testing.T, stream *fakeStream, count int) []*teller.ChatMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := stream.received(); len(msgs) >= count {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d messages, have %d", count, len(stream.received()))
	return nil
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(4, nil)

	s1 := join(t, hub, "alice")
	s2 := join(t, hub, "bob")
	s3 := join(t, hub, "carol")
	assert.Equal(t, 3, hub.Count())

	s1.say(t, "hello")

	for _, p := range []*participant{s2, s3} {
		msgs := waitForMessages(t, p.stream, 1)
		assert.Equal(t, "alice", msgs[0].Sender)
		assert.Equal(t, "hello", msgs[0].Text)
		assert.False(t, msgs[0].SentAt.IsZero())
	}

	// the sender does not hear its own message
	assert.Empty(t, s1.stream.received())
}

func TestHubPerSenderOrder(t *testing.T) {
	hub := NewHub(8, nil)

	s1 := join(t, hub, "alice")
	s2 := join(t, hub, "bob")

	for _, text := range []string{"m1", "m2", "m3"} {
		s1.say(t, text)
	}

	msgs := waitForMessages(t, s2.stream, 3)
	assert.Equal(t, "m1", msgs[0].Text)
	assert.Equal(t, "m2", msgs[1].Text)
	assert.Equal(t, "m3", msgs[2].Text)

	s1.leave()
	s2.leave()
	require.NoError(t, s1.waitDone(t))
	require.NoError(t, s2.waitDone(t))
}

func TestHubDrainDeliversQueued(t *testing.T) {
	hub := NewHub(8, nil)

	s1 := join(t, hub, "alice")
	s2 := join(t, hub, "bob")

	s1.say(t, "goodbye")
	waitForMessages(t, s2.stream, 1)

	s2.leave()
	require.NoError(t, s2.waitDone(t))
	assert.Equal(t, SessionClosed, s2.session.State())
	assert.Equal(t, 1, hub.Count())

	// a departed session no longer receives broadcasts
	s1.say(t, "anyone there")
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, s2.stream.received(), 1)
}

func TestHubSessionCloseIsolated(t *testing.T) {
	hub := NewHub(4, nil)

	s1 := join(t, hub, "alice")
	s2 := join(t, hub, "bob")
	s3 := join(t, hub, "carol")

	s2.session.close(rpc.NewError(rpc.CodeSessionError, "connection lost"))
	assert.Equal(t, 2, hub.Count())

	// remaining sessions still talk
	s1.say(t, "still here")
	msgs := waitForMessages(t, s3.stream, 1)
	assert.Equal(t, "still here", msgs[0].Text)
}

func TestSessionCloseIdempotent(t *testing.T) {
	hub := NewHub(4, nil)
	session := hub.admit("alice", newFakeStream())
	require.Equal(t, 1, hub.Count())

	session.close(nil)
	assert.Equal(t, SessionClosed, session.State())
	assert.Equal(t, 0, hub.Count())

	// second close must not panic or double-release
	session.close(rpc.NewError(rpc.CodeSessionError, "late"))
	assert.Equal(t, SessionClosed, session.State())
}

func TestHubSlowSessionSuspendsThenReleases(t *testing.T) {
	hub := NewHub(1, nil)

	s1 := join(t, hub, "alice")
	fast := join(t, hub, "bob")

	// slow never drains its queue: no deliver loop running
	slow := hub.admit("slow", newFakeStream())

	// m1 fills slow's depth-1 queue; m2 suspends the sender on slow's
	// enqueue, but fast still receives it through its own enqueue
	s1.say(t, "m1")
	s1.say(t, "m2")
	waitForMessages(t, fast.stream, 2)

	// m3 stays behind m2's suspended broadcast until slow goes away
	s1.say(t, "m3")
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, fast.stream.received(), 2)

	// closing the slow session aborts the suspended enqueue
	slow.close(rpc.NewError(rpc.CodeSessionError, "connection lost"))
	msgs := waitForMessages(t, fast.stream, 3)
	assert.Equal(t, "m3", msgs[2].Text)
}

func TestHubClose(t *testing.T) {
	hub := NewHub(4, nil)
	join(t, hub, "alice")
	join(t, hub, "bob")
	require.Equal(t, 2, hub.Count())

	hub.Close()
	assert.Equal(t, 0, hub.Count())
}
