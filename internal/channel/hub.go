package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 64 << 10
	sendBuffer     = 64
	// device clocks may run ahead; anything later than this is clamped to now
	maxClockSkew = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// LocationPublisher forwards accepted samples to the history stream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, s models.LocationSample) error
}

type session struct {
	id   auth.Identity
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
}

func (s *session) close() {
	s.closeOnce.Do(func() { close(s.send) })
}

// Hub owns every open device connection on this instance. It applies
// inbound driver positions to the registry and delivers outbound events to
// whichever sessions an identity holds.
type Hub struct {
	verifier  *auth.Verifier
	registry  geo.Registry
	publisher LocationPublisher
	log       *slog.Logger
	Now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]map[*session]struct{}
	// drivers who declared themselves unavailable; kept across reconnects
	offDuty map[string]struct{}
	closed  bool
}

// NewHub wires a hub. publisher may be nil.
func NewHub(verifier *auth.Verifier, registry geo.Registry, publisher LocationPublisher, log *slog.Logger) *Hub {
	return &Hub{
		verifier:  verifier,
		registry:  registry,
		publisher: publisher,
		log:       log,
		Now:       time.Now,
		sessions:  make(map[string]map[*session]struct{}),
		offDuty:   make(map[string]struct{}),
	}
}

// ServeHTTP authenticates and upgrades the request, then serves the
// connection until it drops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := h.verifier.FromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "identity", id.ID, "error", err)
		return
	}
	s := &session{id: id, conn: conn, send: make(chan []byte, sendBuffer)}
	if !h.add(s) {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	h.log.Info("channel opened", "identity", id.ID, "role", id.Role)

	go h.writePump(s)
	h.readPump(r.Context(), s)
}

func (h *Hub) add(s *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.sessions[s.id.ID]
	if !ok {
		set = make(map[*session]struct{})
		h.sessions[s.id.ID] = set
	}
	set[s] = struct{}{}
	if s.id.IsDriver() {
		observability.DriversOnline.Inc()
	}
	return true
}

// remove drops the session and reports whether it was the identity's last.
func (h *Hub) remove(s *session) (last bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.sessions[s.id.ID]
	if !ok {
		return false
	}
	if _, ok := set[s]; !ok {
		return false
	}
	delete(set, s)
	if s.id.IsDriver() {
		observability.DriversOnline.Dec()
	}
	if len(set) == 0 {
		delete(h.sessions, s.id.ID)
		return true
	}
	return false
}

// SendTo queues an event on every session of identity and returns how many
// sessions took it. A session whose buffer is full is skipped.
func (h *Hub) SendTo(identity, event string, payload any) (int, error) {
	msg, err := Encode(event, 0, payload)
	if err != nil {
		return 0, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for s := range h.sessions[identity] {
		if s.enqueue(msg) {
			n++
		} else {
			h.log.Warn("session send buffer full", "identity", identity, "event", event)
		}
	}
	return n, nil
}

// enqueue is called with the hub lock held, so the session can't be closed
// underneath it.
func (s *session) enqueue(msg []byte) bool {
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

func (h *Hub) reply(s *session, event string, seq uint64, payload any) {
	if seq == 0 {
		return
	}
	msg, err := Encode(event, seq, payload)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.sessions[s.id.ID][s]; ok {
		s.enqueue(msg)
	}
}

// Connected reports whether identity holds at least one open session.
func (h *Hub) Connected(identity string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[identity]) > 0
}

// Available reports whether the driver accepts work. Drivers are available
// until they send driverStatus{available:false}.
func (h *Hub) Available(driverID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, off := h.offDuty[driverID]
	return !off
}

func (h *Hub) setAvailable(driverID string, available bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if available {
		delete(h.offDuty, driverID)
	} else {
		h.offDuty[driverID] = struct{}{}
	}
}

// Close ends every session and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*session
	for _, set := range h.sessions {
		for s := range set {
			all = append(all, s)
		}
	}
	h.mu.Unlock()
	for _, s := range all {
		_ = s.conn.Close()
	}
}

func (h *Hub) writePump(s *session) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(ctx context.Context, s *session) {
	// the request context is cancelled once ServeHTTP returns; the
	// disconnect cleanup below must outlive it
	ctx = context.WithoutCancel(ctx)
	defer h.disconnect(ctx, s)

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warn("channel read error", "identity", s.id.ID, "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			h.log.Debug("malformed frame", "identity", s.id.ID, "error", err)
			continue
		}
		h.handle(ctx, s, f)
	}
}

func (h *Hub) disconnect(ctx context.Context, s *session) {
	last := h.remove(s)
	s.close()
	h.log.Info("channel closed", "identity", s.id.ID, "role", s.id.Role)
	if !last || !s.id.IsDriver() {
		return
	}
	if err := h.registry.Remove(ctx, s.id.ID); err != nil {
		h.log.Warn("remove driver on disconnect failed", "driver_id", s.id.ID, "error", err)
	}
}

func (h *Hub) handle(ctx context.Context, s *session, f Frame) {
	switch f.Type {
	case models.EventDriverLocation, models.EventLocationBatch, models.EventDriverHeartbeat, models.EventDriverStatus:
		if !s.id.IsDriver() {
			h.reply(s, models.EventNack, f.Seq, NackPayload{Reason: ReasonForbidden})
			return
		}
	default:
		h.reply(s, models.EventNack, f.Seq, NackPayload{Reason: ReasonUnknownType})
		return
	}

	if (f.Type == models.EventDriverLocation || f.Type == models.EventLocationBatch) && !h.Available(s.id.ID) {
		observability.LocationUpdates.WithLabelValues("off_duty").Inc()
		h.reply(s, models.EventNack, f.Seq, NackPayload{Reason: ReasonUnavailable})
		return
	}

	switch f.Type {
	case models.EventDriverLocation:
		var p LocationPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			h.nack(s, f.Seq, models.NewValidationError("data", "%v", err))
			return
		}
		moved, err := h.apply(ctx, p.Sample(s.id.ID))
		if err != nil {
			h.nack(s, f.Seq, err)
			return
		}
		ack := AckPayload{Accepted: 1}
		if !moved {
			ack = AckPayload{Skipped: 1}
		}
		h.reply(s, models.EventAck, f.Seq, ack)

	case models.EventLocationBatch:
		var p BatchPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			h.nack(s, f.Seq, models.NewValidationError("data", "%v", err))
			return
		}
		ack, err := h.applyBatch(ctx, s.id.ID, p.Samples)
		if err != nil {
			h.nack(s, f.Seq, err)
			return
		}
		h.reply(s, models.EventAck, f.Seq, ack)

	case models.EventDriverHeartbeat:
		if err := h.registry.Touch(ctx, s.id.ID, h.Now()); err != nil {
			h.nack(s, f.Seq, err)
			return
		}
		h.reply(s, models.EventAck, f.Seq, nil)

	case models.EventDriverStatus:
		var p StatusPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			h.nack(s, f.Seq, models.NewValidationError("data", "%v", err))
			return
		}
		// going offline hides the driver from searches and refuses further
		// positions; coming back online takes effect with the next position
		h.setAvailable(s.id.ID, p.Available)
		if !p.Available {
			if err := h.registry.Remove(ctx, s.id.ID); err != nil {
				h.nack(s, f.Seq, err)
				return
			}
		}
		h.log.Info("driver status", "driver_id", s.id.ID, "available", p.Available)
		h.reply(s, models.EventAck, f.Seq, nil)
	}
}

func (h *Hub) nack(s *session, seq uint64, err error) {
	reason := ReasonUnavailable
	if models.IsValidation(err) {
		reason = ReasonInvalid
		observability.LocationUpdates.WithLabelValues("invalid").Inc()
	} else {
		observability.LocationUpdates.WithLabelValues("failed").Inc()
		h.log.Warn("location update failed", "driver_id", s.id.ID, "error", err)
	}
	h.reply(s, models.EventNack, seq, NackPayload{Reason: reason})
}

// apply stores one sample and reports whether it moved the driver. A sample
// older than the stored position is not an error: it still goes to the
// history stream but leaves the registry alone.
func (h *Hub) apply(ctx context.Context, sample models.LocationSample) (bool, error) {
	now := h.Now()
	if sample.Timestamp.IsZero() || sample.Timestamp.After(now.Add(maxClockSkew)) {
		sample.Timestamp = now
	}
	moved := true
	if err := h.registry.Upsert(ctx, sample.DriverID, sample.Coord(), sample.Timestamp); err != nil {
		if !errors.Is(err, geo.ErrStaleSample) {
			return false, err
		}
		moved = false
		observability.LocationUpdates.WithLabelValues("stale").Inc()
	} else {
		observability.LocationUpdates.WithLabelValues("accepted").Inc()
	}
	if h.publisher != nil {
		if err := h.publisher.PublishLocation(ctx, sample); err != nil {
			h.log.Debug("location history publish failed", "driver_id", sample.DriverID, "error", err)
		}
	}
	return moved, nil
}

// applyBatch replays buffered samples oldest first. Out-of-range samples
// and samples older than the stored position are skipped rather than
// failing the batch, since the device would otherwise resend them forever.
// A registry failure fails the batch so the device keeps its buffer.
func (h *Hub) applyBatch(ctx context.Context, driverID string, samples []LocationPayload) (AckPayload, error) {
	sorted := make([]LocationPayload, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].TS.Before(sorted[j].TS) })

	var ack AckPayload
	for _, p := range sorted {
		moved, err := h.apply(ctx, p.Sample(driverID))
		switch {
		case err == nil && moved:
			ack.Accepted++
		case err == nil:
			ack.Skipped++
		case models.IsValidation(err):
			ack.Skipped++
			observability.LocationUpdates.WithLabelValues("invalid").Inc()
		default:
			return ack, err
		}
	}
	return ack, nil
}
