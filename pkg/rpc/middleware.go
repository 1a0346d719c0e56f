package rpc

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/tellerhq/teller/pkg/log"
)

type Handler func(context.Context, Message) (Message, error)
type Middleware func(context.Context, Message, Handler) (Message, error)

func buildHandlerFunction(middleware []Middleware, final Handler) Handler {

	// start with the final handler
	chain := final

	// loop backwards through the middleware slice so the first registered
	// middleware runs outermost
	for i := len(middleware) - 1; i >= 0; i-- {
		m := middleware[i]

		next := chain
		chain = func(ctx context.Context, req Message) (Message, error) {
			return m(ctx, req, next)
		}
	}

	return chain
}

func ApplyHandlerChain(ctx context.Context, req Message, middleware []Middleware, final Handler) (Message, error) {
	fn := buildHandlerFunction(middleware, final)
	return fn(ctx, req)
}

// TimeoutMiddleware bounds unary handler execution. Expiry surfaces to the
// caller as a timeout error with no response delivered.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(ctx context.Context, req Message, next Handler) (Message, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		type result struct {
			resp Message
			err  error
		}

		done := make(chan result, 1)
		go func() {
			resp, err := next(ctx, req)
			done <- result{resp: resp, err: err}
		}()

		select {
		case res := <-done:
			return res.resp, res.err
		case <-ctx.Done():
			return nil, FromContextError(ctx.Err())
		}
	}
}

// RateLimitMiddleware rejects calls above the configured token-bucket rate.
func RateLimitMiddleware(callsPerSecond float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(callsPerSecond), burst)
	return func(ctx context.Context, req Message, next Handler) (Message, error) {
		if !limiter.Allow() {
			return nil, NewError(CodeProcessingFailure, "rate limit exceeded")
		}
		return next(ctx, req)
	}
}

// LoggingMiddleware logs each call's latency and outcome.
func LoggingMiddleware(logger log.Logger) Middleware {
	return func(ctx context.Context, req Message, next Handler) (Message, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		elapsed := time.Since(start)
		if err != nil {
			logger.Warn(fmt.Sprintf("call failed in %s: %s", elapsed, err))
		} else {
			logger.Debug(fmt.Sprintf("call completed in %s", elapsed))
		}
		return resp, err
	}
}
