package rpc_test

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tellerhq/teller/pkg/rpc"
	"github.com/tellerhq/teller/pkg/rpc/tcp"
	"github.com/tellerhq/teller/pkg/rpc/websocket"
	"github.com/tellerhq/teller/pkg/serialize"
	"github.com/tellerhq/teller/pkg/teller"
)

func decodePaymentRequest(reader *serialize.Reader) (rpc.Message, error) {
	req := &teller.PaymentRequest{}
	if err := req.Deserialize(reader); err != nil {
		return nil, err
	}
	return req, nil
}

func registerTestServices(server *rpc.Server) {
	server.RegisterUnary(
		teller.PaymentServiceID,
		teller.ProcessPaymentMethodID,
		decodePaymentRequest,
		func(ctx context.Context, msg rpc.Message) (rpc.Message, error) {
			req := msg.(*teller.PaymentRequest)
			if req.Amount == 0 {
				return nil, rpc.NewError(rpc.CodeInvalidRequest, "amount must be positive")
			}
			if req.Reference == "slow" {
				time.Sleep(300 * time.Millisecond)
			}
			return &teller.PaymentResponse{
				Status: "approved",
				ID:     fmt.Sprintf("pay-%s", req.Reference),
			}, nil
		})

	server.RegisterStream(
		teller.LedgerServiceID,
		teller.TransactionHistoryMethodID,
		func(stream *rpc.Stream, reader *serialize.Reader) error {
			req := &teller.HistoryRequest{}
			if err := req.Deserialize(reader); err != nil {
				return rpc.Errorf(rpc.CodeInvalidRequest, "malformed history request: %v", err)
			}
			if req.Account == "broken" {
				if err := stream.Send(&teller.Transaction{ID: "t1", Account: req.Account}); err != nil {
					return err
				}
				return rpc.NewError(rpc.CodeStreamProducerFailure, "history source failed")
			}
			for i := 0; i < 3; i++ {
				err := stream.Send(&teller.Transaction{
					ID:      fmt.Sprintf("t%d", i+1),
					Account: req.Account,
					Amount:  int64(100 * (i + 1)),
				})
				if err != nil {
					return err
				}
			}
			return nil
		})

	server.RegisterStream(
		teller.ChatServiceID,
		teller.ChatMethodID,
		func(stream *rpc.Stream, reader *serialize.Reader) error {
			join := &teller.ChatJoin{}
			if err := join.Deserialize(reader); err != nil {
				return rpc.Errorf(rpc.CodeInvalidRequest, "malformed join: %v", err)
			}
			for {
				reader, err := stream.Recv(stream.Context())
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}
				msg := &teller.ChatMessage{}
				if err := msg.Deserialize(reader); err != nil {
					return err
				}
				err = stream.Send(&teller.ChatMessage{
					Sender: join.Sender,
					Text:   msg.Text,
					SentAt: msg.SentAt,
				})
				if err != nil {
					return err
				}
			}
		})
}

func startTCPServer(t *testing.T, port int) *rpc.Server {
	t.Helper()
	server := rpc.NewServer(rpc.ServerConfig{
		Transport: tcp.NewServerTransport(
			tcp.ServerTransportConfig{
				Port: port,
			}),
	})
	registerTestServices(server)

	go func() {
		server.ListenAndServe()
	}()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)
	return server
}

func newTCPClient(port int) *rpc.Client {
	return rpc.NewClient(rpc.ClientConfig{
		Transport: tcp.NewClientTransport(
			tcp.ClientTransportConfig{
				Host: "localhost",
				Port: port,
			}),
	})
}

func TestUnaryCallTCP(t *testing.T) {
	server := startTCPServer(t, 9100)
	defer server.Shutdown(context.Background())

	client := newTCPClient(9100)
	defer client.Close()

	reader, err := client.Call(context.Background(),
		teller.PaymentServiceID, teller.ProcessPaymentMethodID,
		&teller.PaymentRequest{
			Amount:    1250,
			Currency:  "USD",
			Reference: "inv-1",
		})
	require.NoError(t, err)

	resp := &teller.PaymentResponse{}
	require.NoError(t, resp.Deserialize(reader))
	assert.Equal(t, "approved", resp.Status)
	assert.Equal(t, "pay-inv-1", resp.ID)
}

func TestUnaryCallErrorTCP(t *testing.T) {
	server := startTCPServer(t, 9101)
	defer server.Shutdown(context.Background())

	client := newTCPClient(9101)
	defer client.Close()

	_, err := client.Call(context.Background(),
		teller.PaymentServiceID, teller.ProcessPaymentMethodID,
		&teller.PaymentRequest{
			Amount:   0,
			Currency: "USD",
		})
	require.Error(t, err)
	assert.Equal(t, rpc.CodeInvalidRequest, rpc.CodeOf(err))
	assert.Contains(t, err.Error(), "amount must be positive")
}

func TestUnaryCallUnknownMethodTCP(t *testing.T) {
	server := startTCPServer(t, 9102)
	defer server.Shutdown(context.Background())

	client := newTCPClient(9102)
	defer client.Close()

	_, err := client.Call(context.Background(),
		0xdeadbeef, 0xdeadbeef,
		&teller.PaymentRequest{Amount: 1, Currency: "USD"})
	require.Error(t, err)
	assert.Equal(t, rpc.CodeInvalidRequest, rpc.CodeOf(err))
}

func TestServerStreamTCP(t *testing.T) {
	server := startTCPServer(t, 9103)
	defer server.Shutdown(context.Background())

	client := newTCPClient(9103)
	defer client.Close()

	stream, err := client.OpenStream(context.Background(),
		teller.LedgerServiceID, teller.TransactionHistoryMethodID,
		&teller.HistoryRequest{Account: "A1"})
	require.NoError(t, err)

	var received []*teller.Transaction
	for {
		reader, err := stream.Recv(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)

		tx := &teller.Transaction{}
		require.NoError(t, tx.Deserialize(reader))
		received = append(received, tx)
	}

	require.Len(t, received, 3)
	assert.Equal(t, "t1", received[0].ID)
	assert.Equal(t, "t2", received[1].ID)
	assert.Equal(t, "t3", received[2].ID)
	assert.Equal(t, int64(300), received[2].Amount)
}

func TestServerStreamErrorTCP(t *testing.T) {
	server := startTCPServer(t, 9104)
	defer server.Shutdown(context.Background())

	client := newTCPClient(9104)
	defer client.Close()

	stream, err := client.OpenStream(context.Background(),
		teller.LedgerServiceID, teller.TransactionHistoryMethodID,
		&teller.HistoryRequest{Account: "broken"})
	require.NoError(t, err)

	// the record sent before the failure still arrives
	reader, err := stream.Recv(context.Background())
	require.NoError(t, err)
	tx := &teller.Transaction{}
	require.NoError(t, tx.Deserialize(reader))
	assert.Equal(t, "t1", tx.ID)

	// then the terminal error, not a silent end of stream
	_, err = stream.Recv(context.Background())
	require.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
	assert.Equal(t, rpc.CodeStreamProducerFailure, rpc.CodeOf(err))
}

func TestBidirectionalStreamTCP(t *testing.T) {
	server := startTCPServer(t, 9105)
	defer server.Shutdown(context.Background())

	client := newTCPClient(9105)
	defer client.Close()

	stream, err := client.OpenStream(context.Background(),
		teller.ChatServiceID, teller.ChatMethodID,
		&teller.ChatJoin{Sender: "alice"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		text := fmt.Sprintf("message %d", i)
		require.NoError(t, stream.Send(&teller.ChatMessage{Text: text}))

		reader, err := stream.Recv(context.Background())
		require.NoError(t, err)

		echo := &teller.ChatMessage{}
		require.NoError(t, echo.Deserialize(reader))
		assert.Equal(t, "alice", echo.Sender)
		assert.Equal(t, text, echo.Text)
	}

	// half-close: the server finishes cleanly
	require.NoError(t, stream.CloseSend())
	_, err = stream.Recv(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestUnaryCallWebSocket(t *testing.T) {
	server := rpc.NewServer(rpc.ServerConfig{
		Transport: websocket.NewServerTransport(
			websocket.ServerTransportConfig{
				Port: 9106,
			}),
	})
	registerTestServices(server)

	go func() {
		server.ListenAndServe()
	}()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)
	defer server.Shutdown(context.Background())

	client := rpc.NewClient(rpc.ClientConfig{
		Transport: websocket.NewClientTransport(
			websocket.ClientTransportConfig{
				Host: "localhost",
				Port: 9106,
			}),
	})
	defer client.Close()

	reader, err := client.Call(context.Background(),
		teller.PaymentServiceID, teller.ProcessPaymentMethodID,
		&teller.PaymentRequest{
			Amount:    900,
			Currency:  "EUR",
			Reference: "inv-2",
		})
	require.NoError(t, err)

	resp := &teller.PaymentResponse{}
	require.NoError(t, resp.Deserialize(reader))
	assert.Equal(t, "approved", resp.Status)
}

func TestBidirectionalStreamWebSocket(t *testing.T) {
	server := rpc.NewServer(rpc.ServerConfig{
		Transport: websocket.NewServerTransport(
			websocket.ServerTransportConfig{
				Port: 9107,
			}),
	})
	registerTestServices(server)

	go func() {
		server.ListenAndServe()
	}()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)
	defer server.Shutdown(context.Background())

	client := rpc.NewClient(rpc.ClientConfig{
		Transport: websocket.NewClientTransport(
			websocket.ClientTransportConfig{
				Host: "localhost",
				Port: 9107,
			}),
	})
	defer client.Close()

	stream, err := client.OpenStream(context.Background(),
		teller.ChatServiceID, teller.ChatMethodID,
		&teller.ChatJoin{Sender: "bob"})
	require.NoError(t, err)

	require.NoError(t, stream.Send(&teller.ChatMessage{Text: "over websocket"}))

	reader, err := stream.Recv(context.Background())
	require.NoError(t, err)

	echo := &teller.ChatMessage{}
	require.NoError(t, echo.Deserialize(reader))
	assert.Equal(t, "bob", echo.Sender)
	assert.Equal(t, "over websocket", echo.Text)

	require.NoError(t, stream.CloseSend())
	_, err = stream.Recv(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestLateResponseLeavesStreamsIntact(t *testing.T) {
	server := startTCPServer(t, 9109)
	defer server.Shutdown(context.Background())

	client := newTCPClient(9109)
	defer client.Close()

	stream, err := client.OpenStream(context.Background(),
		teller.ChatServiceID, teller.ChatMethodID,
		&teller.ChatJoin{Sender: "alice"})
	require.NoError(t, err)

	// the handler answers in 300ms, long after this deadline
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = client.Call(ctx,
		teller.PaymentServiceID, teller.ProcessPaymentMethodID,
		&teller.PaymentRequest{Amount: 1, Currency: "USD", Reference: "slow"})
	require.Error(t, err)
	assert.Equal(t, rpc.CodeTimeout, rpc.CodeOf(err))

	// let the orphaned response reach the client
	time.Sleep(500 * time.Millisecond)

	// the shared connection and the unrelated stream survive it
	require.NoError(t, stream.Send(&teller.ChatMessage{Text: "still here"}))

	reader, err := stream.Recv(context.Background())
	require.NoError(t, err)

	echo := &teller.ChatMessage{}
	require.NoError(t, echo.Deserialize(reader))
	assert.Equal(t, "still here", echo.Text)
}

func TestShutdownClosesActiveStreams(t *testing.T) {
	server := startTCPServer(t, 9110)

	client := newTCPClient(9110)
	defer client.Close()

	stream, err := client.OpenStream(context.Background(),
		teller.ChatServiceID, teller.ChatMethodID,
		&teller.ChatJoin{Sender: "alice"})
	require.NoError(t, err)

	// exchange one message so the stream is demonstrably live
	require.NoError(t, stream.Send(&teller.ChatMessage{Text: "ping"}))
	_, err = stream.Recv(context.Background())
	require.NoError(t, err)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// returns only once connection handlers have finished
	require.NoError(t, server.Shutdown(shutdownCtx))

	// the stream ends with a terminal error, not a silent hang or clean EOF
	_, err = stream.Recv(context.Background())
	require.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
	assert.Equal(t, rpc.CodeSessionError, rpc.CodeOf(err))

	// the listener is gone: new calls fail instead of connecting
	late := newTCPClient(9110)
	defer late.Close()
	_, err = late.Call(context.Background(),
		teller.PaymentServiceID, teller.ProcessPaymentMethodID,
		&teller.PaymentRequest{Amount: 1, Currency: "USD"})
	require.Error(t, err)
}

func TestCallDeadlineExpired(t *testing.T) {
	server := startTCPServer(t, 9108)
	defer server.Shutdown(context.Background())

	client := newTCPClient(9108)
	defer client.Close()

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := client.Call(ctx,
		teller.PaymentServiceID, teller.ProcessPaymentMethodID,
		&teller.PaymentRequest{Amount: 1, Currency: "USD"})
	require.Error(t, err)
	assert.Equal(t, rpc.CodeTimeout, rpc.CodeOf(err))
}
