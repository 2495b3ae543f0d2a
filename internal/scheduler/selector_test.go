package scheduler

import (
	"testing"
	"time"

	"github.com/me/vgrid/internal/runningtest"
	"github.com/me/vgrid/pkg/model"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

// openedTest returns a registered test whose OPEN completed at the clock's
// current time and which has one ready CHECK at its head.
func openedTest(t *testing.T, reg *Registry, clock *fakeClock, name string) *runningtest.RunningTest {
	t.Helper()
	rt := runningtest.New(model.RenderTarget{Name: name}, model.OpenRequest{}, runningtest.WithClock(clock.Now))
	reg.Add(rt)
	open, err := rt.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := rt.Claim(open); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := rt.Complete(open, model.JobOutcome{Session: &model.Session{ID: name}}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := rt.Check("step", &model.RenderRequest{}); err != nil {
		t.Fatalf("Check: %v", err)
	}
	return rt
}

func TestSelector_PrefersEarlierRegistrationOnTie(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	reg := NewRegistry()
	a := openedTest(t, reg, clock, "a")
	b := openedTest(t, reg, clock, "b")

	best, ok := NewSelector(nil).Best(reg.Snapshot(), model.JobKindCheck)
	if !ok {
		t.Fatal("no candidate")
	}
	if best.Test != a {
		t.Errorf("Best picked %s, want a", best.Test.Target().Name)
	}
	cands := NewSelector(nil).Candidates(reg.Snapshot(), model.JobKindCheck)
	if len(cands) != 2 || cands[1].Test != b {
		t.Errorf("Candidates = %v, want [a b]", cands)
	}
}

func TestSelector_PrefersLongestWaiting(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	reg := NewRegistry()
	a := openedTest(t, reg, clock, "a")
	clock.now = clock.now.Add(-time.Second)
	b := openedTest(t, reg, clock, "b")

	sel := NewSelector(nil)
	best, _ := sel.Best(reg.Snapshot(), model.JobKindCheck)
	if best.Test != b {
		t.Errorf("Best picked %s, want b (waiting since earlier)", best.Test.Target().Name)
	}

	cands := sel.Candidates(reg.Snapshot(), model.JobKindCheck)
	if len(cands) != 2 || cands[0].Test != b || cands[1].Test != a {
		t.Errorf("Candidates order wrong: %v", cands)
	}
}

func TestSelector_SkipsNotReadyHeads(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	reg := NewRegistry()
	a := runningtest.New(model.RenderTarget{Name: "a"}, model.OpenRequest{}, runningtest.WithClock(clock.Now))
	reg.Add(a)
	a.Open()
	a.Check("unresolved", nil)
	b := openedTest(t, reg, clock, "b")

	sel := NewSelector(nil)
	if best, ok := sel.Best(reg.Snapshot(), model.JobKindCheck); !ok || best.Test != b {
		t.Errorf("Best = %v, %v; want b's check", best, ok)
	}
	if best, ok := sel.Best(reg.Snapshot(), model.JobKindOpen); !ok || best.Test != a {
		t.Errorf("Best(OPEN) = %v, %v; want a's open", best, ok)
	}
}

func TestSelector_CustomOrder(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	reg := NewRegistry()
	openedTest(t, reg, clock, "a")
	b := openedTest(t, reg, clock, "b")

	latestFirst := func(x, y Candidate) bool { return x.Seq > y.Seq }
	best, _ := NewSelector(latestFirst).Best(reg.Snapshot(), model.JobKindCheck)
	if best.Test != b {
		t.Errorf("custom order picked %s, want b", best.Test.Target().Name)
	}
}

func TestSelector_Teardowns(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	reg := NewRegistry()
	a := openedTest(t, reg, clock, "a")
	b := openedTest(t, reg, clock, "b")
	a.Close()
	b.Abort(true, nil)

	got := NewSelector(nil).Teardowns(reg.Snapshot())
	if len(got) != 1 || got[0].Test != b || got[0].Job.Kind() != model.JobKindAbort {
		t.Fatalf("Teardowns = %v, want only b's ABORT (a still has a pending check)", got)
	}
}
