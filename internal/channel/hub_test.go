package channel

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

type memPublisher struct {
	mu      sync.Mutex
	samples []models.LocationSample
}

func (m *memPublisher) PublishLocation(_ context.Context, s models.LocationSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, s)
	return nil
}

type hubFixture struct {
	hub      *Hub
	registry *geo.Index
	pub      *memPublisher
	verifier *auth.Verifier
	srv      *httptest.Server
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	f := &hubFixture{
		registry: geo.NewIndex(),
		pub:      &memPublisher{},
		verifier: auth.NewVerifier("test-secret", "", time.Minute),
	}
	f.hub = NewHub(f.verifier, f.registry, f.pub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.srv = httptest.NewServer(f.hub)
	t.Cleanup(func() {
		f.hub.Close()
		f.srv.Close()
	})
	return f
}

func (f *hubFixture) dial(t *testing.T, id, role string) *websocket.Conn {
	t.Helper()
	tok, err := f.verifier.Issue(id, role)
	if err != nil {
		t.Fatal(err)
	}
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer " + tok}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, seq uint64, payload any) {
	t.Helper()
	msg, err := Encode(event, seq, payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		t.Fatal(err)
	}
}

func read(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	return f
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUpgradeRequiresToken(t *testing.T) {
	f := newHubFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestDriverLocationAcked(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "d1", auth.RoleDriver)

	ts := time.Now().Add(-time.Second).UTC().Truncate(time.Millisecond)
	send(t, conn, models.EventDriverLocation, 1, LocationPayload{Lat: 31.0, Lon: 30.0, TS: ts})
	ack := read(t, conn)
	if ack.Type != models.EventAck || ack.Seq != 1 {
		t.Fatalf("expected ack 1, got %+v", ack)
	}
	c, ok, _ := f.registry.Position(context.Background(), "d1")
	if !ok || c.Loc.Lat != 31.0 || !c.LastSeen.Equal(ts) {
		t.Fatalf("registry not updated: %+v ok=%v", c, ok)
	}
	f.pub.mu.Lock()
	defer f.pub.mu.Unlock()
	if len(f.pub.samples) != 1 || f.pub.samples[0].DriverID != "d1" {
		t.Fatalf("expected one published sample, got %+v", f.pub.samples)
	}
}

func TestInvalidLocationNacked(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "d1", auth.RoleDriver)

	send(t, conn, models.EventDriverLocation, 7, LocationPayload{Lat: 95, Lon: 30, TS: time.Now()})
	nack := read(t, conn)
	var p NackPayload
	_ = json.Unmarshal(nack.Data, &p)
	if nack.Type != models.EventNack || nack.Seq != 7 || p.Reason != ReasonInvalid {
		t.Fatalf("expected invalid nack, got %+v %+v", nack, p)
	}
	if _, ok, _ := f.registry.Position(context.Background(), "d1"); ok {
		t.Fatal("invalid sample must not be stored")
	}
}

func TestClientCannotReportLocation(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "c1", auth.RoleClient)

	send(t, conn, models.EventDriverLocation, 3, LocationPayload{Lat: 31, Lon: 30, TS: time.Now()})
	nack := read(t, conn)
	var p NackPayload
	_ = json.Unmarshal(nack.Data, &p)
	if nack.Type != models.EventNack || p.Reason != ReasonForbidden {
		t.Fatalf("expected forbidden nack, got %+v", nack)
	}
}

func TestBatchAppliedChronologically(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "d1", auth.RoleDriver)

	base := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)
	batch := BatchPayload{Samples: []LocationPayload{
		{Lat: 31.02, Lon: 30.02, TS: base.Add(20 * time.Second)},
		{Lat: 31.00, Lon: 30.00, TS: base},
		{Lat: 99, Lon: 30, TS: base.Add(5 * time.Second)},
		{Lat: 31.01, Lon: 30.01, TS: base.Add(10 * time.Second)},
	}}
	send(t, conn, models.EventLocationBatch, 2, batch)
	ack := read(t, conn)
	var p AckPayload
	_ = json.Unmarshal(ack.Data, &p)
	if ack.Type != models.EventAck || p.Accepted != 3 || p.Skipped != 1 {
		t.Fatalf("unexpected ack %+v %+v", ack, p)
	}
	c, _, _ := f.registry.Position(context.Background(), "d1")
	if c.Loc.Lat != 31.02 {
		t.Fatalf("expected newest position to win, got %+v", c.Loc)
	}
}

func TestSendToReachesEverySession(t *testing.T) {
	f := newHubFixture(t)
	a := f.dial(t, "c1", auth.RoleClient)
	b := f.dial(t, "c1", auth.RoleClient)
	waitFor(t, func() bool {
		f.hub.mu.RLock()
		defer f.hub.mu.RUnlock()
		return len(f.hub.sessions["c1"]) == 2
	})

	n, err := f.hub.SendTo("c1", models.EventRideAssigned, models.RideEvent{RideID: "r1", DriverID: "d1"})
	if err != nil || n != 2 {
		t.Fatalf("SendTo = %d, %v", n, err)
	}
	for _, conn := range []*websocket.Conn{a, b} {
		fr := read(t, conn)
		var ev models.RideEvent
		_ = json.Unmarshal(fr.Data, &ev)
		if fr.Type != models.EventRideAssigned || ev.RideID != "r1" {
			t.Fatalf("unexpected frame %+v", fr)
		}
	}
	if n, _ := f.hub.SendTo("nobody", models.EventRideTaken, nil); n != 0 {
		t.Fatalf("expected no sessions, got %d", n)
	}
}

func TestDisconnectRemovesDriver(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "d1", auth.RoleDriver)
	send(t, conn, models.EventDriverLocation, 1, LocationPayload{Lat: 31, Lon: 30, TS: time.Now()})
	read(t, conn)

	conn.Close()
	waitFor(t, func() bool {
		_, ok, _ := f.registry.Position(context.Background(), "d1")
		return !ok && !f.hub.Connected("d1")
	})
}

func TestDriverStatusOffline(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "d1", auth.RoleDriver)
	send(t, conn, models.EventDriverLocation, 1, LocationPayload{Lat: 31, Lon: 30, TS: time.Now()})
	read(t, conn)

	send(t, conn, models.EventDriverStatus, 2, StatusPayload{Available: false})
	if ack := read(t, conn); ack.Type != models.EventAck || ack.Seq != 2 {
		t.Fatalf("expected ack, got %+v", ack)
	}
	if _, ok, _ := f.registry.Position(context.Background(), "d1"); ok {
		t.Fatal("offline driver still searchable")
	}

	send(t, conn, models.EventDriverLocation, 3, LocationPayload{Lat: 31, Lon: 30, TS: time.Now()})
	nack := read(t, conn)
	var p NackPayload
	_ = json.Unmarshal(nack.Data, &p)
	if nack.Type != models.EventNack || nack.Seq != 3 || p.Reason != ReasonUnavailable {
		t.Fatalf("expected unavailable nack, got %+v %+v", nack, p)
	}
	if _, ok, _ := f.registry.Position(context.Background(), "d1"); ok {
		t.Fatal("location from an unavailable driver was stored")
	}

	send(t, conn, models.EventDriverStatus, 4, StatusPayload{Available: true})
	read(t, conn)
	send(t, conn, models.EventDriverLocation, 5, LocationPayload{Lat: 31, Lon: 30, TS: time.Now()})
	if ack := read(t, conn); ack.Type != models.EventAck {
		t.Fatalf("expected ack once available again, got %+v", ack)
	}
	if _, ok, _ := f.registry.Position(context.Background(), "d1"); !ok {
		t.Fatal("available driver not searchable")
	}
}

func TestBatchAfterHeartbeatMovesDriver(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "d1", auth.RoleDriver)
	now := time.Now().UTC().Truncate(time.Millisecond)

	send(t, conn, models.EventDriverLocation, 1, LocationPayload{Lat: 31, Lon: 30, TS: now.Add(-20 * time.Second)})
	read(t, conn)
	send(t, conn, models.EventDriverHeartbeat, 2, nil)
	read(t, conn)

	send(t, conn, models.EventLocationBatch, 3, BatchPayload{Samples: []LocationPayload{
		{Lat: 31.01, Lon: 30, TS: now.Add(-10 * time.Second)},
		{Lat: 31.02, Lon: 30, TS: now.Add(-5 * time.Second)},
	}})
	ack := read(t, conn)
	var p AckPayload
	_ = json.Unmarshal(ack.Data, &p)
	if ack.Type != models.EventAck || p.Accepted != 2 || p.Skipped != 0 {
		t.Fatalf("unexpected ack %+v %+v", ack, p)
	}
	c, _, _ := f.registry.Position(context.Background(), "d1")
	if c.Loc.Lat != 31.02 {
		t.Fatalf("buffered batch did not move the driver: %+v", c.Loc)
	}

	// a replay older than the stored position is skipped, not accepted
	send(t, conn, models.EventLocationBatch, 4, BatchPayload{Samples: []LocationPayload{
		{Lat: 31.03, Lon: 30, TS: now.Add(-15 * time.Second)},
	}})
	ack = read(t, conn)
	p = AckPayload{}
	_ = json.Unmarshal(ack.Data, &p)
	if p.Accepted != 0 || p.Skipped != 1 {
		t.Fatalf("older replay should be skipped, got %+v", p)
	}
	if c, _, _ := f.registry.Position(context.Background(), "d1"); c.Loc.Lat != 31.02 {
		t.Fatalf("older replay moved the driver: %+v", c.Loc)
	}
}
