package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/lithammer/shortuuid/v4"

	"github.com/tellerhq/teller/pkg/log"
	"github.com/tellerhq/teller/pkg/rpc"
	"github.com/tellerhq/teller/pkg/serialize"
	"github.com/tellerhq/teller/pkg/teller"
)

const (
	StatusApproved = "approved"
	StatusDeclined = "declined"
)

// Processor settles a payment. Process is invoked exactly once per accepted
// request, there is no retry on failure.
type Processor interface {
	Process(ctx context.Context, req *teller.PaymentRequest) (*teller.PaymentResponse, error)
}

// Service exposes the payment surface over rpc.
type Service struct {
	processor Processor
	logger    log.Logger
}

func NewService(processor Processor, logger log.Logger) *Service {
	return &Service{
		processor: processor,
		logger:    logger,
	}
}

// Register wires the service's methods onto the server.
func (s *Service) Register(server *rpc.Server) {
	server.RegisterUnary(
		teller.PaymentServiceID,
		teller.ProcessPaymentMethodID,
		decodePaymentRequest,
		s.handleProcessPayment)
}

func decodePaymentRequest(reader *serialize.Reader) (rpc.Message, error) {
	req := &teller.PaymentRequest{}
	if err := req.Deserialize(reader); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *Service) handleProcessPayment(ctx context.Context, msg rpc.Message) (rpc.Message, error) {
	req, ok := msg.(*teller.PaymentRequest)
	if !ok {
		return nil, rpc.Errorf(rpc.CodeInvalidRequest, "unexpected message type %T", msg)
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	resp, err := s.processor.Process(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, rpc.FromContextError(ctxErr)
		}
		if _, coded := rpc.AsError(err); coded {
			return nil, err
		}
		return nil, rpc.Errorf(rpc.CodeProcessingFailure, "payment failed: %v", err)
	}

	if s.logger != nil {
		s.logger.Info(fmt.Sprintf("payment %s %s: %d %s ref=%s",
			resp.ID, resp.Status, req.Amount, req.Currency, req.Reference))
	}
	return resp, nil
}

func validateRequest(req *teller.PaymentRequest) error {
	if req.Amount == 0 {
		return rpc.NewError(rpc.CodeInvalidRequest, "amount must be positive")
	}
	if len(req.Currency) != 3 {
		return rpc.Errorf(rpc.CodeInvalidRequest, "malformed currency code: %q", req.Currency)
	}
	return nil
}

// MemoryProcessor approves payments up to a configurable ceiling and keeps a
// ledger of settled payments. A zero ceiling approves everything.
type MemoryProcessor struct {
	declineOver uint64

	mu      sync.Mutex
	settled []*teller.PaymentRequest
}

func NewMemoryProcessor(declineOver uint64) *MemoryProcessor {
	return &MemoryProcessor{
		declineOver: declineOver,
	}
}

func (p *MemoryProcessor) Process(ctx context.Context, req *teller.PaymentRequest) (*teller.PaymentResponse, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if p.declineOver > 0 && req.Amount > p.declineOver {
		return nil, rpc.Errorf(rpc.CodeProcessingFailure,
			"payment declined: amount %d exceeds limit", req.Amount)
	}

	p.mu.Lock()
	p.settled = append(p.settled, req)
	p.mu.Unlock()

	return &teller.PaymentResponse{
		Status: StatusApproved,
		ID:     shortuuid.New(),
	}, nil
}

// SettledCount reports how many payments have been settled.
func (p *MemoryProcessor) SettledCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.settled)
}
