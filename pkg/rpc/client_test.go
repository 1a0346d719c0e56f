package rpc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// brokenSendConn accepts the connection but fails every send.
type brokenSendConn struct {
	closed chan struct{}
	once   sync.Once
}

func (c *brokenSendConn) Send(data []byte) error {
	return errors.New("broken pipe")
}

func (c *brokenSendConn) Receive() ([]byte, error) {
	<-c.closed
	return nil, ErrConnectionClosed
}

func (c *brokenSendConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
	})
	return nil
}

type brokenSendTransport struct{}

func (t *brokenSendTransport) Connect() (Connection, error) {
	return &brokenSendConn{closed: make(chan struct{})}, nil
}

func TestCallReturnsOnSendFailure(t *testing.T) {
	client := NewClient(ClientConfig{
		Transport: &brokenSendTransport{},
	})
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), 1, 2, &noopMessage{})
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Call did not return after a failed send")
	}

	// the client stays usable for the next attempt instead of wedging
	done = make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), 1, 2, &noopMessage{})
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second Call did not return after a failed send")
	}
}

func TestOpenStreamReturnsOnSendFailure(t *testing.T) {
	client := NewClient(ClientConfig{
		Transport: &brokenSendTransport{},
	})
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		_, err := client.OpenStream(context.Background(), 1, 2, &noopMessage{})
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("OpenStream did not return after a failed send")
	}

	// the failed open left no stream registered
	client.mu.Lock()
	streamCount := len(client.streams)
	client.mu.Unlock()
	assert.Equal(t, 0, streamCount)
}
