package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tellerhq/teller/internal/chat"
	"github.com/tellerhq/teller/internal/config"
	"github.com/tellerhq/teller/internal/ledger"
	"github.com/tellerhq/teller/internal/payment"
	"github.com/tellerhq/teller/pkg/log"
	"github.com/tellerhq/teller/pkg/rpc"
	"github.com/tellerhq/teller/pkg/rpc/tcp"
	"github.com/tellerhq/teller/pkg/rpc/websocket"
	"github.com/tellerhq/teller/pkg/teller"
)

const shutdownGrace = 10 * time.Second

func main() {
	configFile := flag.String("config", "teller.yaml", "path to the config file")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintf(os.Stderr, "tellerd: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := log.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger := log.NewConsoleLogger(level)

	transport, err := newServerTransport(cfg)
	if err != nil {
		return err
	}

	server := rpc.NewServer(rpc.ServerConfig{
		Transport:        transport,
		Logger:           logger,
		StreamQueueDepth: cfg.Chat.QueueDepth,
		ErrHandler: func(err error) {
			logger.Warn(fmt.Sprintf("connection error: %v", err))
		},
	})

	server.Middleware(rpc.LoggingMiddleware(logger))
	if cfg.RateLimit.CallsPerSecond > 0 {
		server.Middleware(rpc.RateLimitMiddleware(cfg.RateLimit.CallsPerSecond, cfg.RateLimit.Burst))
	}
	server.Middleware(rpc.TimeoutMiddleware(time.Duration(cfg.Payment.TimeoutSeconds) * time.Second))

	payment.NewService(payment.NewMemoryProcessor(cfg.Payment.DeclineOver), logger).Register(server)
	ledger.NewService(seedLedger(), logger).Register(server)

	hub := chat.NewHub(cfg.Chat.QueueDepth, logger)
	hub.Register(server)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	logger.Info(fmt.Sprintf("listening on %s port %d", cfg.Server.Transport, cfg.Server.Port))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newServerTransport(cfg *config.Config) (rpc.ServerTransport, error) {
	switch cfg.Server.Transport {
	case config.TransportWebSocket:
		return websocket.NewServerTransport(websocket.ServerTransportConfig{
			Port:     cfg.Server.Port,
			CertFile: cfg.Server.CertFile,
			KeyFile:  cfg.Server.KeyFile,
		}), nil
	case config.TransportTCP:
		var tlsConfig *tls.Config
		if cfg.Server.CertFile != "" {
			cert, err := tls.LoadX509KeyPair(cfg.Server.CertFile, cfg.Server.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("load tls keypair: %w", err)
			}
			tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		}
		return tcp.NewServerTransport(tcp.ServerTransportConfig{
			Port:      cfg.Server.Port,
			NoDelay:   true,
			TLSConfig: tlsConfig,
		}), nil
	}
	return nil, fmt.Errorf("unknown transport: %q", cfg.Server.Transport)
}

// seedLedger gives the demo deployment some history to stream.
func seedLedger() *ledger.MemorySource {
	source := ledger.NewMemorySource()
	base := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	for i, entry := range []struct {
		memo   string
		amount int64
	}{
		{"opening deposit", 250000},
		{"card purchase", -4350},
		{"wire transfer in", 120000},
		{"monthly fee", -500},
	} {
		source.Append(&teller.Transaction{
			ID:        fmt.Sprintf("txn-%04d", i+1),
			Account:   "demo",
			Amount:    entry.amount,
			Currency:  "USD",
			Memo:      entry.memo,
			Timestamp: base.AddDate(0, 0, i),
		})
	}
	return source
}
