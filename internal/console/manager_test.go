package console

import (
	"context"
	"testing"
	"time"
)

func TestManager_GetReusesConsole(t *testing.T) {
	m := NewManager(testDeps(writer()), time.Minute)

	a := m.Get("user-1")
	if m.Get("user-1") != a {
		t.Error("Get returned a different console for the same subject")
	}
	if m.Get("user-2") == a {
		t.Error("subjects share a console")
	}
	if m.Len() != 2 {
		t.Errorf("Len = %d, want 2", m.Len())
	}
	if a.Subject() != "user-1" {
		t.Errorf("Subject = %q", a.Subject())
	}
}

func TestManager_LookupAndRemove(t *testing.T) {
	m := NewManager(testDeps(writer()), time.Minute)
	if _, ok := m.Lookup("user-1"); ok {
		t.Error("Lookup found a console before Get")
	}
	m.Get("user-1")
	if _, ok := m.Lookup("user-1"); !ok {
		t.Error("Lookup did not find console")
	}
	m.Remove("user-1")
	if m.Len() != 0 {
		t.Errorf("Len = %d, want 0", m.Len())
	}
}

func TestManager_SweepDropsIdle(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(testDeps(writer()), 10*time.Minute)
	m.now = func() time.Time { return now }

	m.Get("idle")
	now = now.Add(8 * time.Minute)
	m.Get("active")
	now = now.Add(5 * time.Minute)

	if removed := m.Sweep(); removed != 1 {
		t.Errorf("Sweep removed %d, want 1", removed)
	}
	if _, ok := m.Lookup("idle"); ok {
		t.Error("idle console kept")
	}
	if _, ok := m.Lookup("active"); !ok {
		t.Error("active console dropped")
	}
}

func TestManager_GetTouches(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(testDeps(writer()), 10*time.Minute)
	m.now = func() time.Time { return now }

	m.Get("user-1")
	now = now.Add(9 * time.Minute)
	m.Get("user-1")
	now = now.Add(9 * time.Minute)

	if removed := m.Sweep(); removed != 0 {
		t.Errorf("Sweep removed %d, want 0", removed)
	}
}

func TestManager_RunStopsOnCancel(t *testing.T) {
	m := NewManager(testDeps(writer()), time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
