package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/pkg/adapter"
	"github.com/marmos91/dittorpc/pkg/metrics"
)

// DefaultStopTimeout bounds the Stop call of each adapter during shutdown.
const DefaultStopTimeout = 30 * time.Second

// ErrAlreadyServed is returned by a second call to Serve.
var ErrAlreadyServed = errors.New("server: Serve already called")

// Server manages the lifecycle of the protocol adapters of the daemon and
// of the optional metrics endpoint.
//
// Lifecycle:
//  1. Creation: New()
//  2. Registration: AddAdapter() for each protocol, SetMetricsServer()
//  3. Startup: Serve() starts everything concurrently
//  4. Shutdown: Context cancellation, or the failure of any adapter,
//     stops all adapters in reverse registration order
//
// Example usage:
//
//	srv := server.New(cfg.Server.ShutdownTimeout)
//	if err := srv.AddAdapter(svc); err != nil {
//	    return err
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//
//	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
//	    return err
//	}
type Server struct {
	mu       sync.RWMutex
	adapters []adapter.Adapter
	metrics  *metrics.Server
	served   bool

	stopTimeout time.Duration
}

// New creates a server. stopTimeout bounds the Stop call of each adapter;
// zero means DefaultStopTimeout.
func New(stopTimeout time.Duration) *Server {
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	return &Server{
		adapters:    make([]adapter.Adapter, 0, 2),
		stopTimeout: stopTimeout,
	}
}

// AddAdapter registers a protocol adapter.
//
// Each adapter must implement a different protocol and listen on a
// different port. Adapters cannot be added once Serve was called.
func (s *Server) AddAdapter(a adapter.Adapter) error {
	if a == nil {
		return fmt.Errorf("adapter cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.served {
		return fmt.Errorf("cannot add %s adapter after Serve() has been called", a.Protocol())
	}

	protocol := a.Protocol()
	port := a.Port()
	for _, existing := range s.adapters {
		if existing.Protocol() == protocol {
			return fmt.Errorf("adapter for protocol %s already registered", protocol)
		}
		if port != 0 && existing.Port() == port {
			return fmt.Errorf("port %d already in use by %s adapter", port, existing.Protocol())
		}
	}

	s.adapters = append(s.adapters, a)
	logger.Info("Registered %s adapter on port %d", protocol, port)
	return nil
}

// SetMetricsServer sets the metrics endpoint started alongside the
// adapters. nil disables it.
func (s *Server) SetMetricsServer(m *metrics.Server) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// Serve starts all registered adapters and blocks until the context is
// cancelled or an adapter fails.
//
// Returns:
//   - ctx.Err() if shutdown was triggered by context cancellation
//   - the error of the first adapter that failed, or that returned
//     before cancellation
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.served {
		s.mu.Unlock()
		return ErrAlreadyServed
	}
	s.served = true
	if len(s.adapters) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("no adapters registered; call AddAdapter() before Serve()")
	}
	adapters := append([]adapter.Adapter(nil), s.adapters...)
	metricsServer := s.metrics
	s.mu.Unlock()

	logger.Info("Starting server with %d adapter(s)", len(adapters))
	startTime := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range adapters {
		g.Go(func() error {
			logger.Info("Starting %s adapter on port %d", a.Protocol(), a.Port())
			err := a.Serve(gctx)
			switch {
			case gctx.Err() != nil:
				logger.Debug("%s adapter stopped", a.Protocol())
				return nil
			case err == nil:
				return fmt.Errorf("%s adapter stopped unexpectedly", a.Protocol())
			default:
				logger.Error("%s adapter failed: %v", a.Protocol(), err)
				return fmt.Errorf("%s adapter error: %w", a.Protocol(), err)
			}
		})
	}

	if metricsServer != nil {
		g.Go(func() error {
			return metricsServer.Start(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			logger.Info("Shutdown signal received (reason: %v)", ctx.Err())
		}
		s.stopAllAdapters(adapters)
		return nil
	})

	logger.Info("All adapters started in %v", time.Since(startTime))

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	logger.Info("Server stopped")
	return err
}

// stopAllAdapters stops the adapters in reverse registration order. Each
// Stop call is bounded by the stop timeout.
func (s *Server) stopAllAdapters(adapters []adapter.Adapter) {
	logger.Info("Initiating graceful shutdown of %d adapter(s)", len(adapters))

	for i := len(adapters) - 1; i >= 0; i-- {
		a := adapters[i]
		ctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
		if err := a.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Error stopping %s adapter: %v", a.Protocol(), err)
		}
		cancel()
	}
}

// Adapters returns a snapshot of the registered adapters.
func (s *Server) Adapters() []adapter.Adapter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]adapter.Adapter(nil), s.adapters...)
}
