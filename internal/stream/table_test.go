package stream

import (
	"testing"
	"time"
)

func recvEvent(t *testing.T, s *Session) Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatalf("no event within 1s")
		return Event{}
	}
}

func assertClosed(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatalf("session not closed")
	}
}

func TestConnect_ReplacesExistingSession(t *testing.T) {
	tbl := NewTable()

	first := tbl.Connect("u1")
	second := tbl.Connect("u1")

	// first channel must be closed, exactly one live session remains
	assertClosed(t, first)

	tbl.Deliver("u1", "x")
	if ev := recvEvent(t, second); ev.Data != "x" {
		t.Fatalf("replacement session did not receive token: %+v", ev)
	}

	select {
	case <-first.Events():
		t.Fatalf("closed session received a token")
	default:
	}
}

func TestDeliver_NoSessionIsSilentAndIsolated(t *testing.T) {
	tbl := NewTable()

	other := tbl.Connect("u2")

	// no session for u1: silent no-op
	tbl.Deliver("u1", "hello")

	select {
	case ev := <-other.Events():
		t.Fatalf("unrelated session received %+v", ev)
	default:
	}
}

func TestDeliver_EncodesSpacesAsNonBreaking(t *testing.T) {
	tbl := NewTable()
	s := tbl.Connect("u1")

	tbl.Deliver("u1", " there")

	if ev := recvEvent(t, s); ev.Kind != KindToken || ev.Data != " there" {
		t.Fatalf("unexpected event: kind=%q data=%q", ev.Kind, ev.Data)
	}
}

func TestComplete_SendsDoneAndRemoves(t *testing.T) {
	tbl := NewTable()
	s := tbl.Connect("u1")

	tbl.Complete("u1")

	if ev := recvEvent(t, s); ev.Kind != KindDone {
		t.Fatalf("expected done, got %+v", ev)
	}
	assertClosed(t, s)

	// completion with no listener is not an error
	tbl.Complete("u1")
	tbl.Deliver("u1", "late")
}

func TestDeliver_DropsClientOnBlockedWrite(t *testing.T) {
	tbl := NewTable()
	tbl.sendTimeout = 20 * time.Millisecond
	s := tbl.Connect("u1")

	// fill the buffer with nobody reading, then one more write times out
	for i := 0; i < cap(s.events); i++ {
		tbl.Deliver("u1", "t")
	}
	tbl.Deliver("u1", "overflow")

	assertClosed(t, s)
	if tbl.lookup("u1") != nil {
		t.Fatalf("gone client still routed")
	}
}

func TestDisconnect_IgnoresStaleHandle(t *testing.T) {
	tbl := NewTable()

	first := tbl.Connect("u1")
	second := tbl.Connect("u1")

	// first was already replaced; disconnecting it must not evict second
	tbl.Disconnect("u1", first)

	tbl.Deliver("u1", "still-here")
	if ev := recvEvent(t, second); ev.Data != "still-here" {
		t.Fatalf("live session lost after stale disconnect: %+v", ev)
	}

	tbl.Disconnect("u1", second)
	if tbl.lookup("u1") != nil {
		t.Fatalf("session not removed")
	}
}
