package broadcast

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestPublishDeliversInOrder(t *testing.T) {
	h := NewHub(Config{})

	sub, err := h.Subscribe("s1", "c1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	h.Publish("s1", StatusChanged("s1", "analyzed"))
	h.Publish("s1", FixApplied("s1", 3, "price"))
	h.Publish("s1", BulkFixCompleted("s1", 5, 1))

	wantTypes := []EventType{EventStatusChanged, EventFixApplied, EventBulkFixCompleted}
	for i, want := range wantTypes {
		ev := <-sub.Events()
		if ev.Type != want {
			t.Errorf("event %d type = %q, want %q", i, ev.Type, want)
		}
	}
}

func TestPublishIgnoresOtherSessions(t *testing.T) {
	h := NewHub(Config{})

	sub, err := h.Subscribe("s1", "c1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	h.Publish("s2", StatusChanged("s2", "analyzed"))

	select {
	case ev := <-sub.Events():
		t.Fatalf("received foreign event: %+v", ev)
	default:
	}
}

func TestSlowSubscriberIsDroppedNotTheEvent(t *testing.T) {
	h := NewHub(Config{BufferSize: 2})

	slow, err := h.Subscribe("s1", "slow")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	healthy, err := h.Subscribe("s1", "healthy")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Fill the slow connection's buffer, then drain the healthy one so it
	// always has room.
	for i := 0; i < 3; i++ {
		h.Publish("s1", FixApplied("s1", i, "name"))
		<-healthy.Events()
	}

	if got := h.ConnectionCount("s1"); got != 1 {
		t.Errorf("ConnectionCount = %d, want 1 after dropping the slow connection", got)
	}

	// The slow subscriber keeps its buffered events and then sees the
	// stream close; the overflow event was delivered to the healthy one.
	drained := 0
	for range slow.Events() {
		drained++
	}
	if drained != 2 {
		t.Errorf("slow subscriber drained %d events, want 2", drained)
	}
}

func TestSubscribeConnectionCeiling(t *testing.T) {
	h := NewHub(Config{MaxPerSession: 2})

	for i := 0; i < 2; i++ {
		if _, err := h.Subscribe("s1", fmt.Sprintf("c%d", i)); err != nil {
			t.Fatalf("Subscribe %d failed: %v", i, err)
		}
	}
	if _, err := h.Subscribe("s1", "c2"); !errors.Is(err, ErrTooManyConnections) {
		t.Fatalf("Subscribe over ceiling = %v, want ErrTooManyConnections", err)
	}

	// Other sessions are unaffected.
	if _, err := h.Subscribe("s2", "c3"); err != nil {
		t.Fatalf("Subscribe on another session failed: %v", err)
	}
}

func TestSubscribeReplacesSameConnID(t *testing.T) {
	h := NewHub(Config{})

	old, err := h.Subscribe("s1", "c1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := h.Subscribe("s1", "c1"); err != nil {
		t.Fatalf("re-Subscribe failed: %v", err)
	}

	if _, open := <-old.Events(); open {
		t.Error("replaced subscriber's stream should be closed")
	}
	if got := h.ConnectionCount("s1"); got != 1 {
		t.Errorf("ConnectionCount = %d, want 1", got)
	}
}

func TestSubscribeReplacesAtCeiling(t *testing.T) {
	h := NewHub(Config{MaxPerSession: 1})

	old, err := h.Subscribe("s1", "c1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// A reconnect with the same connID replaces the old subscriber
	// instead of tripping the ceiling.
	if _, err := h.Subscribe("s1", "c1"); err != nil {
		t.Fatalf("re-Subscribe at ceiling = %v, want success", err)
	}
	if _, open := <-old.Events(); open {
		t.Error("replaced subscriber's stream should be closed")
	}
	if got := h.ConnectionCount("s1"); got != 1 {
		t.Errorf("ConnectionCount = %d, want 1", got)
	}

	// A genuinely new connection is still rejected.
	if _, err := h.Subscribe("s1", "c2"); !errors.Is(err, ErrTooManyConnections) {
		t.Errorf("Subscribe over ceiling = %v, want ErrTooManyConnections", err)
	}
}

func TestUnsubscribeClosesStream(t *testing.T) {
	h := NewHub(Config{})

	sub, err := h.Subscribe("s1", "c1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	h.Unsubscribe("c1")
	if _, open := <-sub.Events(); open {
		t.Error("stream should be closed after unsubscribe")
	}
	if got := h.ConnectionCount(""); got != 0 {
		t.Errorf("ConnectionCount = %d, want 0", got)
	}

	// Unknown ids are a no-op.
	h.Unsubscribe("c1")
	h.Unsubscribe("never-seen")
}

func TestReapStale(t *testing.T) {
	h := NewHub(Config{HeartbeatInterval: time.Minute, MissedHeartbeats: 3})
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return clock }

	fresh, err := h.Subscribe("s1", "fresh")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := h.Subscribe("s1", "silent"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Two intervals pass: nobody is stale yet.
	clock = clock.Add(2 * time.Minute)
	if reaped := h.ReapStale(); reaped != 0 {
		t.Fatalf("reaped %d connections before the deadline", reaped)
	}

	// One connection keeps signalling, the other goes quiet past the
	// allowed number of misses.
	h.Heartbeat("fresh")
	clock = clock.Add(2 * time.Minute)
	if reaped := h.ReapStale(); reaped != 1 {
		t.Fatalf("reaped = %d, want 1", reaped)
	}
	if got := h.ConnectionCount("s1"); got != 1 {
		t.Errorf("ConnectionCount = %d, want 1", got)
	}

	select {
	case _, open := <-fresh.Events():
		if !open {
			t.Error("fresh connection was reaped")
		}
	default:
	}
}

func TestCloseSession(t *testing.T) {
	h := NewHub(Config{})

	a, _ := h.Subscribe("s1", "a")
	b, _ := h.Subscribe("s1", "b")
	other, _ := h.Subscribe("s2", "c")

	h.CloseSession("s1")

	if _, open := <-a.Events(); open {
		t.Error("subscriber a should be closed")
	}
	if _, open := <-b.Events(); open {
		t.Error("subscriber b should be closed")
	}
	if got := h.ConnectionCount(""); got != 1 {
		t.Errorf("ConnectionCount = %d, want 1", got)
	}

	h.CloseAll()
	if _, open := <-other.Events(); open {
		t.Error("subscriber on other session should be closed after CloseAll")
	}
}

func TestSessionExpiringMinutesFloor(t *testing.T) {
	ev := SessionExpiring("s1", 20*time.Second)
	if ev.MinutesRemaining == nil || *ev.MinutesRemaining != 1 {
		t.Errorf("MinutesRemaining = %v, want 1", ev.MinutesRemaining)
	}

	ev = SessionExpiring("s1", 4*time.Minute+40*time.Second)
	if ev.MinutesRemaining == nil || *ev.MinutesRemaining != 5 {
		t.Errorf("MinutesRemaining = %v, want 5", ev.MinutesRemaining)
	}
}
