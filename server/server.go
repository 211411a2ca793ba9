// Package server implements the mini-soa container: processor registration, the
// per-connection read loop, the request Dispatcher and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames in arrival order)
//	  → Dispatcher.Dispatch: peek length → decode header → scheduling policy
//	    → inline on the reader goroutine, or on the worker pool
//	      → ProcessorTable lookup → middleware → processor → reply frame → metrics
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mini-soa/metrics"
	"mini-soa/middleware"
	"mini-soa/protocol"
	"mini-soa/registry"
	"mini-soa/scheduler"
	"mini-soa/workerpool"
)

// ErrServerStarted is returned when processors are registered after Serve.
var ErrServerStarted = errors.New("server: already started")

// Options configure a Server. The zero value serves everything inline.
type Options struct {
	PoolEnabled  bool                  // global switch for the worker pool
	PoolSize     int                   // workers; <= 0 means workerpool.DefaultSize
	Config       registry.ConfigSource // live per-call configuration, may be nil
	Policy       scheduler.Policy      // overrides the ConfigPolicy built from the fields above
	MaxFrameSize int                   // <= 0 means protocol.DefaultMaxFrameSize
	WriteTimeout time.Duration         // per reply write, 0 disables
	RegistryTTL  int64                 // lease TTL in seconds for registry entries
	Metrics      *metrics.Registry
	Logger       *zap.Logger
	OnCycle      func(CycleResult)
}

// Server is the RPC container that hosts processors and serves connections.
type Server struct {
	mu            sync.Mutex
	processors    map[string]Processor    // Registered processors: "Echo" → Processor
	middlewares   []middleware.Middleware // Registered middlewares (applied in order)
	opts          Options
	logger        *zap.Logger
	metrics       *metrics.Registry
	listener      net.Listener
	dispatcher    *Dispatcher
	pool          *workerpool.Pool
	registry      registry.Registry // nil if not using discovery
	advertiseAddr string            // address published in the registry, routable unlike ":8080"
	started       atomic.Bool
	shutdown      atomic.Bool // suppresses Accept errors during shutdown
	ctx           context.Context
	cancel        context.CancelFunc
	conns         map[*conn]struct{}
	connWG        sync.WaitGroup
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRegistry()
	}
	if opts.RegistryTTL <= 0 {
		opts.RegistryTTL = 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		processors: make(map[string]Processor),
		opts:       opts,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[*conn]struct{}),
	}
}

// Register adds a processor for serviceName. Processors are frozen when Serve starts.
func (svr *Server) Register(serviceName string, p Processor) error {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.started.Load() {
		return ErrServerStarted
	}
	if _, dup := svr.processors[serviceName]; dup {
		return fmt.Errorf("server: processor %q already registered", serviceName)
	}
	svr.processors[serviceName] = p
	return nil
}

// RegisterService registers a service receiver (e.g., &Echo{}) under its type name.
// Exported methods with a matching signature become callable methods.
func (svr *Server) RegisterService(rcvr any) error {
	svc, err := NewService(rcvr)
	if err != nil {
		return err
	}
	return svr.Register(svc.name, svc)
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.mu.Lock()
	svr.middlewares = append(svr.middlewares, mw)
	svr.mu.Unlock()
}

func (svr *Server) Metrics() *metrics.Registry { return svr.metrics }

// Health reports nil while the server is accepting connections.
func (svr *Server) Health() error {
	switch {
	case svr.shutdown.Load():
		return errors.New("server: shutting down")
	case !svr.started.Load():
		return errors.New("server: not started")
	}
	return nil
}

// Addr returns the listener address, or nil before Serve.
func (svr *Server) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// Serve listens on address and serves until Shutdown.
//
// advertiseAddr is the address published to reg. It differs from the listen address
// because ":8080" is not routable for other hosts. Pass a nil reg to skip discovery.
func (svr *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(listener, advertiseAddr, reg)
}

// ServeListener is Serve on an existing listener.
func (svr *Server) ServeListener(listener net.Listener, advertiseAddr string, reg registry.Registry) error {
	if err := svr.start(listener, advertiseAddr, reg); err != nil {
		listener.Close()
		return err
	}
	svr.logger.Info("server started",
		zap.Stringer("addr", listener.Addr()),
		zap.Strings("services", svr.dispatcher.processors.Names()),
		zap.Bool("pool", svr.pool != nil))

	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		rw, err := listener.Accept()
		if err != nil {
			// listener.Close() during Shutdown makes Accept fail; that is not an error.
			if svr.shutdown.Load() {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := time.Second; tempDelay > max {
					tempDelay = max
				}
				svr.logger.Error("accept", zap.Duration("retrying in", tempDelay), zap.Error(err))
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0
		c := &conn{id: uuid.NewString(), rw: rw, wto: svr.opts.WriteTimeout}
		if !svr.track(c, true) {
			rw.Close()
			continue
		}
		go svr.handleConn(c)
	}
}

// start freezes the processor table and registers the services.
func (svr *Server) start(listener net.Listener, advertiseAddr string, reg registry.Registry) error {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if !svr.started.CompareAndSwap(false, true) {
		return ErrServerStarted
	}
	svr.listener = listener

	policy := svr.opts.Policy
	if policy == nil {
		policy = scheduler.ConfigPolicy{PoolEnabled: svr.opts.PoolEnabled, Source: svr.opts.Config}
	}
	if svr.opts.PoolEnabled {
		svr.pool = workerpool.New(svr.opts.PoolSize, svr.logger.Named("pool"))
	}
	svr.dispatcher = NewDispatcher(DispatcherConfig{
		Processors: NewProcessorTable(svr.processors, svr.middlewares...),
		Policy:     policy,
		Pool:       svr.pool,
		Metrics:    svr.metrics,
		Logger:     svr.logger.Named("dispatcher"),
		OnCycle:    svr.opts.OnCycle,
	})

	svr.advertiseAddr = advertiseAddr
	if reg != nil {
		svr.registry = reg
		for serviceName := range svr.processors {
			err := reg.Register(svr.ctx, serviceName, registry.ServiceInstance{Addr: advertiseAddr}, svr.opts.RegistryTTL)
			if err != nil {
				return fmt.Errorf("register %s: %w", serviceName, err)
			}
		}
	}
	return nil
}

// handleConn reads frames of one connection in order and hands each one to the
// dispatcher. A frame that cannot be decoded closes the connection.
func (svr *Server) handleConn(c *conn) {
	rw := c.rw
	defer svr.track(c, false)
	defer rw.Close()

	logger := svr.logger.With(zap.String("conn", c.id), zap.Stringer("remote", rw.RemoteAddr()))
	logger.Debug("connection accepted")

	br := bufio.NewReaderSize(rw, 8192)
	for {
		frame, err := protocol.ReadFrame(br, svr.opts.MaxFrameSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Warn("read frame failed, closing connection", zap.Error(err))
			}
			return
		}
		if err := svr.dispatcher.Dispatch(svr.ctx, c, frame); err != nil {
			if errors.Is(err, ErrDraining) {
				// Keep the connection open for replies still in flight; Shutdown closes it.
				<-svr.ctx.Done()
				return
			}
			logger.Error("decode request failed, closing connection", zap.Error(err))
			return
		}
	}
}

// track adds or removes c from the live connections. No connection is added once
// shutdown has begun, so connWG.Wait never races with Add.
func (svr *Server) track(c *conn, add bool) bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if add {
		if svr.shutdown.Load() {
			return false
		}
		svr.conns[c] = struct{}{}
		svr.connWG.Add(1)
	} else {
		delete(svr.conns, c)
		svr.connWG.Done()
	}
	return true
}

// Shutdown performs graceful shutdown:
//  1. Deregister all services (clients stop routing to this server)
//  2. Set the shutdown flag and close the listener
//  3. Stop dispatching and wait for in-flight cycles, inline and pooled, up to timeout
//  4. Close the remaining connections and the worker pool
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.Lock()
	if !svr.started.Load() || svr.dispatcher == nil {
		svr.mu.Unlock()
		return nil
	}
	reg, listener, dispatcher, pool := svr.registry, svr.listener, svr.dispatcher, svr.pool
	svr.mu.Unlock()

	if reg != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		for serviceName := range svr.processors {
			if err := reg.Deregister(ctx, serviceName, svr.advertiseAddr); err != nil {
				svr.logger.Warn("deregister failed", zap.String("service", serviceName), zap.Error(err))
			}
		}
		cancel()
	}

	svr.mu.Lock()
	svr.shutdown.Store(true)
	svr.mu.Unlock()
	listener.Close()

	done := make(chan struct{})
	go func() {
		dispatcher.Drain()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}

	svr.cancel()
	svr.mu.Lock()
	for c := range svr.conns {
		c.rw.Close()
	}
	svr.mu.Unlock()
	svr.connWG.Wait()

	// A hung processor would block Close forever, so only drain a pool that is idle.
	if pool != nil && err == nil {
		pool.Close()
	}
	svr.logger.Info("server stopped", zap.Error(err))
	return err
}

// conn is the write side of one client connection.
type conn struct {
	id      string
	rw      net.Conn
	wto     time.Duration
	writeMu sync.Mutex // frames of concurrent replies must not interleave
}

func (c *conn) WriteFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.wto > 0 {
		if err := c.rw.SetWriteDeadline(time.Now().Add(c.wto)); err != nil {
			return err
		}
	}
	_, err := c.rw.Write(frame)
	return err
}
