package driverclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/channel"
	"github.com/example/ride-dispatch/internal/models"
)

type Config struct {
	// Throttle is the minimum gap between live location emissions.
	Throttle   time.Duration
	Heartbeat  time.Duration
	BufferSize int
}

func DefaultConfig() Config {
	return Config{Throttle: 3 * time.Second, Heartbeat: 15 * time.Second, BufferSize: DefaultBufferSize}
}

// Emitter forwards device GPS samples to the server. A sample that can't be
// delivered live is kept in the pending buffer, which is flushed as one
// chronological batch when the connection comes back.
type Emitter struct {
	transport Transport
	buf       *Buffer
	cfg       Config
	log       *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	lastSent time.Time
	flushMu  sync.Mutex
}

func NewEmitter(t Transport, cfg Config, log *slog.Logger) *Emitter {
	def := DefaultConfig()
	if cfg.Throttle <= 0 {
		cfg.Throttle = def.Throttle
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = def.Heartbeat
	}
	return &Emitter{transport: t, buf: NewBuffer(cfg.BufferSize), cfg: cfg, log: log, now: time.Now}
}

// Pending returns the buffer so callers can inspect its depth.
func (e *Emitter) Pending() *Buffer { return e.buf }

// Report handles one GPS fix. While the channel is down, or anything is
// still pending, every fix is buffered. Otherwise fixes arriving within
// Throttle of the last delivered one are dropped. It reports whether the
// sample went out live.
func (e *Emitter) Report(ctx context.Context, s models.LocationSample) bool {
	if s.Timestamp.IsZero() {
		s.Timestamp = e.now()
	}
	// keep order: while anything is pending, new fixes queue behind it
	if e.buf.Len() > 0 || !e.connected() {
		e.enqueue(s)
		return false
	}

	e.mu.Lock()
	throttled := !e.lastSent.IsZero() && s.Timestamp.Sub(e.lastSent) < e.cfg.Throttle
	e.mu.Unlock()
	if throttled {
		return false
	}
	if err := e.transport.Send(ctx, models.EventDriverLocation, channel.PayloadOf(s)); err != nil {
		e.log.Debug("live location not delivered, buffering", "error", err)
		e.enqueue(s)
		return false
	}
	e.mu.Lock()
	if s.Timestamp.After(e.lastSent) {
		e.lastSent = s.Timestamp
	}
	e.mu.Unlock()
	return true
}

// connected asks the transport when it can tell; otherwise Send decides.
func (e *Emitter) connected() bool {
	if c, ok := e.transport.(interface{ Connected() bool }); ok {
		return c.Connected()
	}
	return true
}

func (e *Emitter) enqueue(s models.LocationSample) {
	if e.buf.Add(s) {
		e.log.Warn("pending location buffer full, dropped oldest")
	}
}

// Flush sends everything pending as one batch. The buffer is only cleared
// after the server acks; on failure it is left intact for the next attempt.
func (e *Emitter) Flush(ctx context.Context) error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	batch := e.buf.Snapshot()
	if len(batch) == 0 {
		return nil
	}
	payload := channel.BatchPayload{Samples: make([]channel.LocationPayload, len(batch))}
	for i, s := range batch {
		payload.Samples[i] = channel.PayloadOf(s)
	}
	if err := e.transport.Send(ctx, models.EventLocationBatch, payload); err != nil {
		e.log.Info("pending flush failed", "samples", len(batch), "error", err)
		return err
	}
	e.buf.Confirm(batch)
	e.log.Info("pending locations flushed", "samples", len(batch))
	return nil
}

// Run sends heartbeats until ctx is done. A successful heartbeat after a
// failed one means the channel is back, so the buffer is flushed too.
func (e *Emitter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.transport.Send(ctx, models.EventDriverHeartbeat, nil); err != nil {
				e.log.Debug("heartbeat failed", "error", err)
				continue
			}
			if e.buf.Len() > 0 {
				_ = e.Flush(ctx)
			}
		}
	}
}
