package session

import (
	"strings"
	"testing"
)

func newRegisteredController(t *testing.T) *Controller {
	t.Helper()
	rig := newTestRig()
	rig.start(t)
	return rig.c
}

func TestNewID_Format(t *testing.T) {
	a, b := NewID(), NewID()
	if !strings.HasPrefix(a, "sess-") {
		t.Errorf("id = %q, want sess- prefix", a)
	}
	if a == b {
		t.Error("consecutive ids are equal")
	}
}

func TestRegistry_AddGetRemove(t *testing.T) {
	r := NewRegistry()
	c := newRegisteredController(t)

	if err := r.Add(c); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}

	got, ok := r.Get(c.Session().ID)
	if !ok || got != c {
		t.Errorf("Get returned %v, %v", got, ok)
	}

	r.Remove(c.Session().ID)
	if _, ok := r.Get(c.Session().ID); ok {
		t.Error("controller still present after Remove")
	}
	r.Remove("unknown") // no-op
}

func TestRegistry_RejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	c := newRegisteredController(t)

	if err := r.Add(c); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add(c); err == nil {
		t.Error("duplicate Add succeeded")
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	r := NewRegistry()
	a := newRegisteredController(t)
	b := newRegisteredController(t)
	if err := r.Add(a); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(b); err != nil {
		t.Fatal(err)
	}

	r.CloseAll()

	if r.Len() != 0 {
		t.Errorf("Len after CloseAll = %d, want 0", r.Len())
	}
	if a.Session().Phase() != PhaseIdle || b.Session().Phase() != PhaseIdle {
		t.Error("controllers not idle after CloseAll")
	}
}
