package driverclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/channel"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotConnected = errors.New("channel not connected")
	ErrAckTimeout   = errors.New("no ack from server")
)

// NackError carries the server's reason for refusing a frame.
type NackError struct{ Reason string }

func (e *NackError) Error() string { return "nack: " + e.Reason }

// Transport delivers frames that expect an ack. Send returns nil only once
// the server acknowledged.
type Transport interface {
	Send(ctx context.Context, event string, payload any) error
}

type result struct {
	frame channel.Frame
	err   error
}

// WSTransport speaks the channel protocol over gorilla/websocket. Each
// outbound frame gets a sequence number and Send blocks until the matching
// ack or nack arrives.
type WSTransport struct {
	URL        string
	Token      string
	Dialer     *websocket.Dialer
	AckTimeout time.Duration
	// OnConnect runs synchronously after every successful (re)connect, e.g.
	// to flush the pending buffer.
	OnConnect func()
	// Events receives pushed frames (rideOffer, rideTaken...). Frames are
	// dropped when nobody keeps up.
	Events chan channel.Frame
	Log    *slog.Logger

	mu      sync.Mutex
	wmu     sync.Mutex
	conn    *websocket.Conn
	seq     uint64
	waiters map[uint64]chan result
}

func NewWSTransport(url, token string, log *slog.Logger) *WSTransport {
	return &WSTransport{
		URL:        url,
		Token:      token,
		Dialer:     websocket.DefaultDialer,
		AckTimeout: 5 * time.Second,
		Events:     make(chan channel.Frame, 32),
		Log:        log,
		waiters:    make(map[uint64]chan result),
	}
}

// Connect dials once. It returns a channel closed when the connection drops.
func (t *WSTransport) Connect(ctx context.Context) (<-chan struct{}, error) {
	hdr := http.Header{"Authorization": {"Bearer " + t.Token}}
	conn, _, err := t.Dialer.DialContext(ctx, t.URL, hdr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.URL, err)
	}
	dropped := make(chan struct{})
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	go t.readLoop(conn, dropped)
	if t.OnConnect != nil {
		t.OnConnect()
	}
	return dropped, nil
}

// Run keeps the transport connected until ctx is done, redialing with
// capped exponential backoff.
func (t *WSTransport) Run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for ctx.Err() == nil {
		dropped, err := t.Connect(ctx)
		if err != nil {
			t.Log.Warn("channel connect failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		select {
		case <-ctx.Done():
			t.Close()
			return
		case <-dropped:
			t.Log.Info("channel dropped, reconnecting")
		}
	}
}

func (t *WSTransport) Send(ctx context.Context, event string, payload any) error {
	t.mu.Lock()
	conn := t.conn
	if conn == nil {
		t.mu.Unlock()
		return ErrNotConnected
	}
	t.seq++
	seq := t.seq
	wait := make(chan result, 1)
	t.waiters[seq] = wait
	t.mu.Unlock()
	defer t.forget(seq)

	msg, err := channel.Encode(event, seq, payload)
	if err != nil {
		return err
	}
	t.wmu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.AckTimeout))
	err = conn.WriteMessage(websocket.TextMessage, msg)
	t.wmu.Unlock()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("write %s: %w", event, err)
	}

	timer := time.NewTimer(t.AckTimeout)
	defer timer.Stop()
	select {
	case r := <-wait:
		if r.err != nil {
			return r.err
		}
		if r.frame.Type == models.EventNack {
			var p channel.NackPayload
			_ = json.Unmarshal(r.frame.Data, &p)
			return &NackError{Reason: p.Reason}
		}
		return nil
	case <-timer.C:
		return ErrAckTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *WSTransport) forget(seq uint64) {
	t.mu.Lock()
	delete(t.waiters, seq)
	t.mu.Unlock()
}

func (t *WSTransport) readLoop(conn *websocket.Conn, dropped chan struct{}) {
	defer func() {
		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
		}
		for seq, w := range t.waiters {
			w <- result{err: ErrNotConnected}
			delete(t.waiters, seq)
		}
		t.mu.Unlock()
		_ = conn.Close()
		close(dropped)
	}()
	for {
		var f channel.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case models.EventAck, models.EventNack:
			t.mu.Lock()
			w, ok := t.waiters[f.Seq]
			delete(t.waiters, f.Seq)
			t.mu.Unlock()
			if ok {
				w <- result{frame: f}
			}
		default:
			select {
			case t.Events <- f:
			default:
				t.Log.Debug("event dropped", "type", f.Type)
			}
		}
	}
}

// Connected reports whether a connection is currently open.
func (t *WSTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Close drops the current connection, if any.
func (t *WSTransport) Close() {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		t.wmu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		t.wmu.Unlock()
		_ = conn.Close()
	}
}
