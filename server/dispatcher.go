package server

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"mini-soa/metrics"
	"mini-soa/protocol"
	"mini-soa/rpcctx"
	"mini-soa/rpcerr"
	"mini-soa/scheduler"
	"mini-soa/workerpool"
)

// ErrDraining is returned by Dispatch once Drain has begun. The frame is dropped.
var ErrDraining = errors.New("server: dispatcher draining")

// ResponseWriter sends one complete frame back to the caller. Implementations must be
// safe for concurrent use; replies of one connection may be written from several
// goroutines.
type ResponseWriter interface {
	WriteFrame(frame []byte) error
}

// CycleResult describes a finished request cycle.
type CycleResult struct {
	Key     string
	SeqID   int32
	Pooled  bool
	Err     error // nil when the call succeeded
	Elapsed time.Duration
}

type DispatcherConfig struct {
	Processors *ProcessorTable
	Policy     scheduler.Policy // nil: everything inline
	Pool       *workerpool.Pool // nil: everything inline
	Metrics    *metrics.Registry
	Logger     *zap.Logger
	OnCycle    func(CycleResult) // called once at the end of every cycle
}

// Dispatcher runs the request cycle of one frame:
//
//	FrameDetected → HeaderDecoded → Scheduled → Dispatched → ResponseWritten → Closed
//
// A decode failure ends the cycle before a sequence id is known and is returned to the
// caller, which closes the connection. Every later failure is answered with an error
// reply carrying the request's sequence id.
type Dispatcher struct {
	processors *ProcessorTable
	policy     scheduler.Policy
	pool       *workerpool.Pool
	metrics    *metrics.Registry
	logger     *zap.Logger
	onCycle    func(CycleResult)

	mu       sync.Mutex // orders inflight.Add against Drain
	draining bool
	inflight sync.WaitGroup
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		processors: cfg.Processors,
		policy:     cfg.Policy,
		pool:       cfg.Pool,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		onCycle:    cfg.OnCycle,
	}
	if d.processors == nil {
		d.processors = NewProcessorTable(nil)
	}
	if d.policy == nil {
		d.policy = scheduler.Inline
	}
	if d.metrics == nil {
		d.metrics = metrics.NewRegistry()
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	return d
}

func (d *Dispatcher) Metrics() *metrics.Registry { return d.metrics }

// cycle is the state of one request. It is owned by exactly one goroutine at a time:
// the connection reader until scheduling, then whoever runs process.
type cycle struct {
	rc     *rpcctx.Context
	key    string
	in     *protocol.Decoder
	frame  *protocol.Buffer
	out    *protocol.Buffer
	w      ResponseWriter
	length int
	start  time.Time
	pooled bool
	err    error
}

// Dispatch takes ownership of frame. It returns only decode failures and ErrDraining;
// by then frame has been released and no reply is possible.
func (d *Dispatcher) Dispatch(ctx context.Context, w ResponseWriter, frame *protocol.Buffer) error {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		frame.Release()
		return ErrDraining
	}
	d.inflight.Add(1)
	d.mu.Unlock()

	start := time.Now()
	length, err := protocol.PeekFrameLength(frame)
	if err != nil {
		frame.Release()
		d.inflight.Done()
		return fmt.Errorf("peek frame length: %w", err)
	}

	h, env, in, err := protocol.DecodeRequest(frame)
	if err != nil {
		frame.Release()
		d.inflight.Done()
		return fmt.Errorf("decode request: %w", err)
	}
	rc := &rpcctx.Context{Header: h, SeqID: env.SeqID}
	c := &cycle{
		rc:     rc,
		key:    rc.ServiceCallKey(),
		in:     in,
		frame:  frame,
		w:      w,
		length: length,
		start:  start,
	}

	if d.pool != nil && d.policy.ShouldUseWorkerPool(c.key) {
		c.pooled = true
		err := d.pool.Submit(func() { d.process(ctx, c) })
		if err == nil {
			return nil
		}
		c.pooled = false
		d.logger.Warn("worker pool unavailable, running inline", zap.String("key", c.key), zap.Error(err))
	}
	d.process(ctx, c)
	return nil
}

// Wait blocks until every dispatched cycle has finished.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

// Drain refuses every later Dispatch and waits for the cycles already started.
func (d *Dispatcher) Drain() {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()
	d.inflight.Wait()
}

func (d *Dispatcher) process(ctx context.Context, c *cycle) {
	defer d.teardown(c)
	ctx = rpcctx.With(ctx, c.rc)

	enc := protocol.NewEncoder(c.rc.Header.Codec)
	err := d.invoke(ctx, c, enc)
	if err == nil {
		if err = d.writeReply(c, enc); err == nil {
			c.frame.Release()
			d.metrics.RecordSuccess(c.key)
			return
		}
	}
	c.err = err

	e, structured := rpcerr.From(err)
	fields := []zap.Field{zap.String("key", c.key), zap.Int32("seq", c.rc.SeqID), zap.Error(err)}
	if structured {
		d.logger.Warn("request failed", fields...)
	} else {
		d.logger.Error("request failed unexpectedly", fields...)
	}
	d.writeError(c, e)
}

func (d *Dispatcher) invoke(ctx context.Context, c *cycle, out *protocol.Encoder) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor %s panicked: %v", c.rc.Header.ServiceName, r)
			d.logger.Error("processor panic", zap.String("key", c.key), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()

	p, ok := d.processors.Lookup(c.rc.Header.ServiceName)
	if !ok {
		return rpcerr.Errorf(rpcerr.CodeNotNull, "no processor for service %q", c.rc.Header.ServiceName)
	}
	return p.Process(ctx, c.in, out)
}

func (d *Dispatcher) writeReply(c *cycle, enc *protocol.Encoder) (err error) {
	// A success never carries a response code, whatever flags the request had set.
	c.rc.Header.RespCode, c.rc.Header.RespMessage = nil, nil
	c.out, err = protocol.EncodeReply(c.rc.Header, c.rc.SeqID, enc.Bytes())
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	if err := c.w.WriteFrame(c.out.Bytes()); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

// writeError answers with an empty-bodied reply carrying e. The failure is counted
// whether or not the reply makes it out; a failed write is only logged.
func (d *Dispatcher) writeError(c *cycle, e *rpcerr.Error) {
	d.metrics.RecordFailure(c.key)

	c.rc.Header.SetError(e.Code, e.Message)
	frame, err := protocol.EncodeErrorReply(c.rc.Header, c.rc.SeqID)
	if err != nil {
		d.logger.Error("encode error reply failed", zap.String("key", c.key), zap.Int32("seq", c.rc.SeqID), zap.Error(err))
		return
	}
	defer frame.Release()
	if err := c.w.WriteFrame(frame.Bytes()); err != nil {
		d.logger.Error("write error reply failed", zap.String("key", c.key), zap.Int32("seq", c.rc.SeqID), zap.Error(err))
		return
	}
	d.logger.Info("error reply sent",
		zap.String("service", c.rc.Header.ServiceName),
		zap.String("version", c.rc.Header.VersionName),
		zap.String("method", c.rc.Header.MethodName),
		zap.String("code", e.Code),
		zap.String("message", e.Message))
}

// teardown runs exactly once per dispatched cycle, whatever path process took.
func (d *Dispatcher) teardown(c *cycle) {
	defer d.inflight.Done()
	c.frame.Release()
	if c.out != nil {
		c.out.Release()
	}
	elapsed := time.Since(c.start)
	d.metrics.RecordRequest(c.key, c.length, elapsed)
	if d.onCycle != nil {
		d.onCycle(CycleResult{Key: c.key, SeqID: c.rc.SeqID, Pooled: c.pooled, Err: c.err, Elapsed: elapsed})
	}
}
