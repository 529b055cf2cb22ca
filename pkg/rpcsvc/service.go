package rpcsvc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/internal/ratelimiter"
	"github.com/marmos91/dittorpc/pkg/callstack"
	"github.com/marmos91/dittorpc/pkg/drc"
	"github.com/marmos91/dittorpc/pkg/iobuf"
	"github.com/marmos91/dittorpc/pkg/mempool"
	"github.com/marmos91/dittorpc/pkg/metrics"
	"github.com/marmos91/dittorpc/pkg/pmap"
	"github.com/marmos91/dittorpc/pkg/transport"
)

// Service is an RPC server: it accepts connections on its listeners,
// reassembles records, dispatches calls to registered programs and queues
// their replies.
//
// Shutdown flow:
//  1. Context cancelled or Stop() called
//  2. Listeners closed (no new connections)
//  3. shutdownCtx cancelled and pending reads interrupted
//  4. Each connection waits for its replies to be written, then closes
//  5. Connections still open after ShutdownTimeout are torn down
//
// Thread safety:
// All exported methods are safe for concurrent use. Register may be
// called while serving.
type Service struct {
	cfg     Config
	metrics metrics.RPCMetrics

	iobufs  *iobuf.Pool
	sweeper *mempool.Sweeper
	reqPool *mempool.Pool[Request, *Request]
	txPool  *mempool.Pool[txbuf, *txbuf]
	calls   *callstack.Pool

	drc     *drc.Cache
	limiter *ratelimiter.PeerLimiter

	auths       *authTable
	authOptions map[string]string
	pmap        pmap.Mapper

	progMu   sync.RWMutex
	programs []*Program

	notifyMu  sync.RWMutex
	notifiers []notifyEntry
	notifySeq NotifyID

	stagesMu sync.Mutex
	stages   []*stage

	listenMu  sync.Mutex
	listeners []transport.Listener
	serving   bool
	serveCtx  context.Context
	acceptWG  sync.WaitGroup

	// activeConns tracks connection goroutines for graceful shutdown.
	activeConns sync.WaitGroup

	shutdownOnce sync.Once
	shutdown     chan struct{}

	// shutdownCtx is cancelled during shutdown; actors and throttled
	// read loops observe it.
	shutdownCtx    context.Context
	cancelRequests context.CancelFunc

	callbackXID atomic.Uint32

	connCount     atomic.Int32
	connSemaphore chan struct{}

	// activeConnections maps connection IDs to *Conn for forced closure.
	activeConnections sync.Map
}

// New creates a Service. Zero values in cfg are replaced with defaults.
// The service is stopped until Serve is called.
//
// Panics if the configuration or the rpc-auth options are invalid.
func New(cfg Config, m metrics.RPCMetrics) *Service {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		panic(fmt.Sprintf("invalid RPC service config: %v", err))
	}

	options := make(map[string]string, len(cfg.Auth.Options))
	for k, v := range cfg.Auth.Options {
		options[k] = v
	}
	auths, err := newAuthTable(options, builtinAuths())
	if err != nil {
		panic(fmt.Sprintf("invalid RPC auth options: %v", err))
	}

	var connSemaphore chan struct{}
	if cfg.MaxConnections > 0 {
		connSemaphore = make(chan struct{}, cfg.MaxConnections)
		logger.Debug("RPC connection limit: %d", cfg.MaxConnections)
	} else {
		logger.Debug("RPC connection limit: unlimited")
	}

	if m == nil {
		m = metrics.NewNoopRPCMetrics()
	}

	shutdownCtx, cancelRequests := context.WithCancel(context.Background())

	s := &Service{
		cfg:            cfg,
		metrics:        m,
		iobufs:         iobuf.NewPool(iobuf.Options{PageSize: cfg.PageSize}),
		sweeper:        mempool.NewSweeper(cfg.SweepInterval),
		reqPool:        newRequestPool(),
		txPool:         newTxPool(),
		limiter:        ratelimiter.NewPeerLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		auths:          auths,
		authOptions:    options,
		shutdown:       make(chan struct{}),
		shutdownCtx:    shutdownCtx,
		cancelRequests: cancelRequests,
		connSemaphore:  connSemaphore,
	}
	s.newStages(cfg.Stages)
	s.calls = callstack.NewPool(s.sweeper.NewArena())

	if cfg.DRC.Enabled {
		s.drc = drc.New(drc.Options{Size: cfg.DRC.Size, LRUFactor: cfg.DRC.LRUFactor})
		logger.Debug("RPC duplicate request cache: size=%d lru_factor=%d", cfg.DRC.Size, cfg.DRC.LRUFactor)
	}
	if cfg.Throttle.Rate > 0 {
		logger.Debug("RPC request throttle: %d per %v per connection", cfg.Throttle.Rate, cfg.Throttle.Interval)
	}
	if cfg.OutstandingRPCLimit > 0 {
		logger.Debug("RPC outstanding request limit: %d per connection", cfg.OutstandingRPCLimit)
	}
	return s
}

// SetPortMapper sets the mapper programs flagged Portmap are registered
// with. Call it before Register.
func (s *Service) SetPortMapper(m pmap.Mapper) {
	s.pmap = m
}

// NotifyID identifies a registered notifier.
type NotifyID uint64

type notifyEntry struct {
	id NotifyID
	n  transport.Notifier
}

// RegisterNotify adds a listener for connection events. The returned id
// removes it again with UnregisterNotify.
func (s *Service) RegisterNotify(n transport.Notifier) NotifyID {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.notifySeq++
	s.notifiers = append(s.notifiers, notifyEntry{id: s.notifySeq, n: n})
	return s.notifySeq
}

// UnregisterNotify removes a notifier. Events already being delivered may
// still reach it. It reports whether id was registered.
func (s *Service) UnregisterNotify(id NotifyID) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	for i, e := range s.notifiers {
		if e.id != id {
			continue
		}
		// Copy so a concurrent notify keeps iterating its own snapshot.
		notifiers := make([]notifyEntry, 0, len(s.notifiers)-1)
		notifiers = append(notifiers, s.notifiers[:i]...)
		s.notifiers = append(notifiers, s.notifiers[i+1:]...)
		return true
	}
	logger.Debug("Notifier %d not registered", id)
	return false
}

// notify delivers a connection event. The first notifier error is
// returned; the remaining notifiers still run.
func (s *Service) notify(ev transport.Event, c *Conn, data any) error {
	s.notifyMu.RLock()
	notifiers := s.notifiers
	s.notifyMu.RUnlock()

	var first error
	for _, e := range notifiers {
		if err := e.n.Notify(ev, c.tc, data); err != nil {
			logger.Debug("Notifier failed on %s for %s: %v", ev, c, err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Listen opens the listener of cfg.Transport and one for each entry of
// cfg.Listeners, then registers flagged programs with the port mapper.
// Serve calls it when it was not called before. If any listener fails,
// the ones already opened are closed.
func (s *Service) Listen(ctx context.Context) error {
	s.listenMu.Lock()
	select {
	case <-s.shutdown:
		s.listenMu.Unlock()
		return ErrServiceStopped
	default:
	}
	if len(s.listeners) > 0 {
		s.listenMu.Unlock()
		return nil
	}

	all := append([]transport.Options{s.cfg.Transport}, s.cfg.Listeners...)
	for _, opts := range all {
		l, err := transport.Listen(ctx, opts)
		if err != nil {
			for _, opened := range s.listeners {
				_ = opened.Close()
			}
			s.listeners = nil
			s.listenMu.Unlock()
			return fmt.Errorf("failed to create RPC listener on %s: %w", opts.ListenAddress(), err)
		}
		s.listeners = append(s.listeners, l)
		logger.Info("RPC service listening on %s (%s)", l.Addr(), opts.Type)
	}
	s.listenMu.Unlock()

	logger.Debug("RPC config: stages=%d max_connections=%d read_timeout=%v write_timeout=%v idle_timeout=%v ping_timeout=%v",
		s.cfg.Stages, s.cfg.MaxConnections, s.cfg.ReadTimeout, s.cfg.WriteTimeout, s.cfg.IdleTimeout, s.cfg.PingTimeout)

	s.progMu.RLock()
	programs := append([]*Program(nil), s.programs...)
	s.progMu.RUnlock()
	for _, p := range programs {
		if err := s.portmapSet(ctx, p); err != nil {
			logger.Warn("Could not register %s with the port mapper: %v", p, err)
		}
	}
	return nil
}

// AddListener opens one more listener. On a serving service it accepts
// connections right away; otherwise Serve picks it up. It returns the
// address the listener is bound to.
func (s *Service) AddListener(ctx context.Context, opts transport.Options) (net.Addr, error) {
	if opts.Type == "" {
		opts.Type = transport.TypeTCP
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	select {
	case <-s.shutdown:
		return nil, ErrServiceStopped
	default:
	}

	l, err := transport.Listen(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create RPC listener on %s: %w", opts.ListenAddress(), err)
	}
	s.listeners = append(s.listeners, l)
	logger.Info("RPC service listening on %s (%s)", l.Addr(), opts.Type)

	if s.serving {
		s.startAccepting(l)
	}
	return l.Addr(), nil
}

// startAccepting runs the accept loop of l. Called with listenMu held.
func (s *Service) startAccepting(l transport.Listener) {
	s.acceptWG.Add(1)
	go func() {
		defer s.acceptWG.Done()
		s.acceptLoop(s.serveCtx, l)
	}()
}

// Serve accepts connections on every listener and blocks until the
// context is cancelled or Stop is called.
//
// Returns:
//   - nil on graceful shutdown
//   - error if a listener fails to start or shutdown is not graceful
func (s *Service) Serve(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	s.sweeper.Start()

	go func() {
		select {
		case <-ctx.Done():
			logger.Info("RPC shutdown signal received: %v", ctx.Err())
			s.initiateShutdown()
		case <-s.shutdown:
		}
	}()

	if s.cfg.MetricsLogInterval > 0 {
		go s.logMetrics(ctx)
	}

	s.listenMu.Lock()
	s.serving = true
	s.serveCtx = ctx
	for _, l := range s.listeners {
		s.startAccepting(l)
	}
	s.listenMu.Unlock()

	<-s.shutdown
	s.acceptWG.Wait()
	return s.gracefulShutdown()
}

// acceptLoop accepts connections on l until the listener is closed.
func (s *Service) acceptLoop(ctx context.Context, l transport.Listener) {
	for {
		if s.connSemaphore != nil {
			select {
			case s.connSemaphore <- struct{}{}:
			case <-s.shutdown:
				return
			}
		}

		tc, err := l.Accept()
		if err != nil {
			if s.connSemaphore != nil {
				<-s.connSemaphore
			}
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, transport.ErrClosed) {
				logger.Debug("RPC listener %s closed", l.Addr())
				return
			}
			logger.Debug("Error accepting RPC connection: %v", err)
			continue
		}

		s.accept(ctx, tc)
	}
}

// accept sets up an accepted connection and starts its read loop.
func (s *Service) accept(ctx context.Context, tc *transport.Conn) {
	c := s.newConn(tc)
	release := func() {
		if s.connSemaphore != nil {
			<-s.connSemaphore
		}
	}

	if err := c.stateInit(); err != nil {
		logger.Warn("Could not initialise connection from %s: %v", tc.PeerAddr(), err)
		s.leaveStage(c.stage)
		_ = tc.Close()
		release()
		return
	}

	s.activeConns.Add(1)
	s.connCount.Add(1)
	s.activeConnections.Store(c.ID, c)

	s.metrics.RecordConnectionAccepted()
	currentConns := s.connCount.Load()
	s.metrics.SetActiveConnections(currentConns)
	c.log.Debug("RPC connection accepted from %s (active: %d)", tc.PeerAddr(), currentConns)

	go func(id uuid.UUID) {
		defer func() {
			s.activeConnections.Delete(id)
			s.activeConns.Done()
			s.connCount.Add(-1)
			release()

			s.metrics.RecordConnectionClosed()
			currentConns := s.connCount.Load()
			s.metrics.SetActiveConnections(currentConns)
			logger.Debug("RPC connection closed from %s (active: %d)", tc.PeerAddr(), currentConns)
		}()

		if err := s.notify(transport.EventAccept, c, nil); err != nil {
			c.log.Warn("Connection from %s refused by a notifier: %v", tc.PeerAddr(), err)
			c.Deinit()
			c.Unref()
			return
		}
		c.serve(ctx)
	}(c.ID)
}

// removeConn is called once by Deinit.
func (s *Service) removeConn(c *Conn) {
	s.leaveStage(c.stage)
	_ = s.notify(transport.EventDisconnect, c, nil)
}

// initiateShutdown closes the listeners, cancels shutdownCtx and wakes
// every read loop. Safe to call multiple times.
func (s *Service) initiateShutdown() {
	s.shutdownOnce.Do(func() {
		logger.Debug("RPC shutdown initiated")
		close(s.shutdown)

		s.listenMu.Lock()
		for _, l := range s.listeners {
			if err := l.Close(); err != nil {
				logger.Debug("Error closing RPC listener %s: %v", l.Addr(), err)
			}
		}
		s.listenMu.Unlock()

		s.cancelRequests()

		s.activeConnections.Range(func(_, value any) bool {
			c := value.(*Conn)
			_ = c.tc.SetReadDeadline(time.Now())
			return true
		})
		logger.Debug("RPC request cancellation signal sent to all connections")
	})
}

// gracefulShutdown waits for active connections to finish or the
// shutdown timeout to expire, then releases the service's pools.
func (s *Service) gracefulShutdown() error {
	activeCount := s.connCount.Load()
	logger.Info("RPC graceful shutdown: waiting for %d active connection(s) (timeout: %v)",
		activeCount, s.cfg.ShutdownTimeout)

	done := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		logger.Info("RPC graceful shutdown complete: all connections closed")
	case <-time.After(s.cfg.ShutdownTimeout):
		remaining := s.connCount.Load()
		logger.Warn("RPC shutdown timeout exceeded: %d connection(s) still active after %v - forcing closure",
			remaining, s.cfg.ShutdownTimeout)
		s.forceCloseConnections()
		err = fmt.Errorf("RPC shutdown timeout: %d connections force-closed", remaining)
	}

	s.unregisterPortmap()
	s.sweeper.Stop()
	s.retireStages()
	return err
}

// forceCloseConnections tears down every connection still open.
func (s *Service) forceCloseConnections() {
	logger.Info("Force-closing active RPC connections")

	closedCount := 0
	s.activeConnections.Range(func(_, value any) bool {
		c := value.(*Conn)
		c.Deinit()
		s.metrics.RecordConnectionForceClosed()
		closedCount++
		return true
	})

	if closedCount == 0 {
		logger.Debug("No connections to force-close")
	} else {
		logger.Info("Force-closed %d connection(s)", closedCount)
	}
}

// unregisterPortmap removes the port mapper entries of the programs this
// service registered.
func (s *Service) unregisterPortmap() {
	if !s.cfg.Portmap || s.pmap == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.progMu.RLock()
	defer s.progMu.RUnlock()
	for _, p := range s.programs {
		if !p.Portmap {
			continue
		}
		if _, err := s.pmap.Unset(ctx, p.Number, p.Version); err != nil {
			logger.Debug("Could not unregister %s from the port mapper: %v", p, err)
		}
	}
}

// Stop initiates graceful shutdown and waits for connections to close, up
// to ctx's deadline.
func (s *Service) Stop(ctx context.Context) error {
	s.initiateShutdown()

	if ctx == nil {
		return s.gracefulShutdown()
	}

	activeCount := s.connCount.Load()
	logger.Info("RPC graceful shutdown: waiting for %d active connection(s) (context timeout)",
		activeCount)

	done := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("RPC graceful shutdown complete: all connections closed")
		return nil
	case <-ctx.Done():
		remaining := s.connCount.Load()
		logger.Warn("RPC shutdown context cancelled: %d connection(s) still active: %v",
			remaining, ctx.Err())
		return ctx.Err()
	}
}

// logMetrics periodically logs the connection count and prunes idle
// rate limiter state.
func (s *Service) logMetrics(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MetricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case <-ticker.C:
			pruned := s.limiter.Prune(s.cfg.IdleTimeout)
			var drcOps int
			if s.drc != nil {
				drcOps = s.drc.Stats().Ops
			}
			logger.Info("RPC metrics: active_connections=%d stage_load=%v drc_ops=%d limiter_pruned=%d",
				s.connCount.Load(), s.StageLoad(), drcOps, pruned)
		}
	}
}

// GetActiveConnections returns the current number of active connections.
func (s *Service) GetActiveConnections() int32 {
	return s.connCount.Load()
}

// Addr returns the address of the first listener, or nil before Listen.
func (s *Service) Addr() net.Addr {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	if len(s.listeners) == 0 {
		return nil
	}
	return s.listeners[0].Addr()
}

// Addrs returns the addresses of every listener in the order they were
// opened.
func (s *Service) Addrs() []net.Addr {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

// Port returns the TCP port the service listens on, or the configured
// port before Listen. Unix socket services return 0.
func (s *Service) Port() int {
	if addr, ok := s.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	if s.cfg.Transport.Type == transport.TypeTCP {
		return s.cfg.Transport.Port
	}
	return 0
}

// Protocol returns "RPC".
func (s *Service) Protocol() string {
	return "RPC"
}

// Config returns the configuration with defaults applied.
func (s *Service) Config() Config {
	return s.cfg
}

// IOBufs returns the buffer pool records are read into. Actors use it for
// reply payloads passed to AttachVector.
func (s *Service) IOBufs() *iobuf.Pool {
	return s.iobufs
}

// CallPool returns the pool request call stacks are created from.
func (s *Service) CallPool() *callstack.Pool {
	return s.calls
}
