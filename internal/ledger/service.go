package ledger

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/tellerhq/teller/pkg/log"
	"github.com/tellerhq/teller/pkg/rpc"
	"github.com/tellerhq/teller/pkg/serialize"
	"github.com/tellerhq/teller/pkg/teller"
)

// Cursor yields transactions one at a time in ledger order. Next returns
// io.EOF once the history is exhausted.
type Cursor interface {
	Next() (*teller.Transaction, error)
}

// Source produces a fresh cursor over an account's history. Records are not
// buffered up front, they are pulled through the cursor as the stream
// advances.
type Source interface {
	History(ctx context.Context, account string) (Cursor, error)
}

// Sender is the outbound half of a transaction stream.
type Sender interface {
	Send(msg rpc.Message) error
}

// Service streams account transaction histories.
type Service struct {
	source Source
	logger log.Logger
}

func NewService(source Source, logger log.Logger) *Service {
	return &Service{
		source: source,
		logger: logger,
	}
}

// Register wires the service's methods onto the server.
func (s *Service) Register(server *rpc.Server) {
	server.RegisterStream(
		teller.LedgerServiceID,
		teller.TransactionHistoryMethodID,
		s.handleTransactionHistory)
}

func (s *Service) handleTransactionHistory(stream *rpc.Stream, reader *serialize.Reader) error {
	req := &teller.HistoryRequest{}
	if err := req.Deserialize(reader); err != nil {
		return rpc.Errorf(rpc.CodeInvalidRequest, "malformed history request: %v", err)
	}
	return s.streamHistory(stream.Context(), req, stream)
}

func (s *Service) streamHistory(ctx context.Context, req *teller.HistoryRequest, sender Sender) error {
	if req.Account == "" {
		return rpc.NewError(rpc.CodeInvalidRequest, "account is required")
	}

	cursor, err := s.source.History(ctx, req.Account)
	if err != nil {
		return rpc.Errorf(rpc.CodeStreamProducerFailure, "history unavailable: %v", err)
	}

	sent := 0
	for {
		if err := ctx.Err(); err != nil {
			return rpc.FromContextError(err)
		}

		tx, err := cursor.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// surface a terminal error rather than truncating silently
			return rpc.Errorf(rpc.CodeStreamProducerFailure,
				"history source failed after %d records: %v", sent, err)
		}

		if err := sender.Send(tx); err != nil {
			return err
		}
		sent++
	}

	if s.logger != nil {
		s.logger.Debug(fmt.Sprintf("streamed %d transactions for account %s", sent, req.Account))
	}
	return nil
}

// MemorySource is an in-memory ledger keyed by account. Appended records
// keep insertion order, History snapshots the account at call time.
type MemorySource struct {
	mu       sync.Mutex
	accounts map[string][]*teller.Transaction
}

func NewMemorySource() *MemorySource {
	return &MemorySource{
		accounts: make(map[string][]*teller.Transaction),
	}
}

func (m *MemorySource) Append(tx *teller.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[tx.Account] = append(m.accounts[tx.Account], tx)
}

func (m *MemorySource) History(ctx context.Context, account string) (Cursor, error) {
	m.mu.Lock()
	records := make([]*teller.Transaction, len(m.accounts[account]))
	copy(records, m.accounts[account])
	m.mu.Unlock()

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	return &sliceCursor{records: records}, nil
}

type sliceCursor struct {
	records []*teller.Transaction
	next    int
}

func (c *sliceCursor) Next() (*teller.Transaction, error) {
	if c.next >= len(c.records) {
		return nil, io.EOF
	}
	tx := c.records[c.next]
	c.next++
	return tx, nil
}
