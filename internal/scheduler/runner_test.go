package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/me/vgrid/internal/job"
	"github.com/me/vgrid/internal/logging"
	"github.com/me/vgrid/internal/runningtest"
	"github.com/me/vgrid/pkg/model"
)

// gridStub is a connector that records concurrency while jobs run.
type gridStub struct {
	delay   time.Duration
	panicOn string
	failOn  string

	mu         sync.Mutex
	running    int
	maxRunning int
	perTest    map[string]int
	maxPerTest int
	checks     map[string]int
}

func newGridStub(delay time.Duration) *gridStub {
	return &gridStub{delay: delay, perTest: map[string]int{}, checks: map[string]int{}}
}

func (g *gridStub) enter(key string) {
	g.mu.Lock()
	g.running++
	g.perTest[key]++
	if g.running > g.maxRunning {
		g.maxRunning = g.running
	}
	if g.perTest[key] > g.maxPerTest {
		g.maxPerTest = g.perTest[key]
	}
	g.mu.Unlock()
	time.Sleep(g.delay)
}

func (g *gridStub) exit(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.running--
	g.perTest[key]--
}

func (g *gridStub) SubmitOpen(_ context.Context, req model.OpenRequest) (*model.Session, error) {
	key := req.Target.Key()
	g.enter(key)
	defer g.exit(key)
	return &model.Session{ID: key}, nil
}

func (g *gridStub) SubmitCheck(_ context.Context, s *model.Session, req *model.RenderRequest) (*model.MatchResult, error) {
	g.enter(s.ID)
	defer g.exit(s.ID)
	g.mu.Lock()
	g.checks[s.ID]++
	g.mu.Unlock()
	if s.ID == g.panicOn {
		panic("connector exploded")
	}
	if s.ID == g.failOn {
		return nil, errors.New("render failed")
	}
	return &model.MatchResult{AsExpected: true, RenderID: req.RenderID}, nil
}

func (g *gridStub) SubmitClose(_ context.Context, s *model.Session, aborted bool) (*model.TestResults, error) {
	g.enter(s.ID)
	defer g.exit(s.ID)
	return &model.TestResults{SessionID: s.ID, Status: model.ResultStatusPassed, IsAborted: aborted}, nil
}

func (g *gridStub) checkCount(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.checks[key]
}

// startRunner runs the dispatch loop until the test ends.
func startRunner(t *testing.T, conn *gridStub, n int, opts ...Option) *Runner {
	t.Helper()
	r := NewRunner(conn, Config{Concurrency: n, PollInterval: 5 * time.Millisecond, EventBuffer: 256}, logging.Discard(), opts...)
	go r.Start(context.Background())
	t.Cleanup(func() { r.Stop() })
	return r
}

// addTest registers an opened test with the given number of ready checks.
func addTest(t *testing.T, r *Runner, name string, checks int) *runningtest.RunningTest {
	t.Helper()
	rt := runningtest.New(model.RenderTarget{Name: name}, model.OpenRequest{AppName: "app", TestName: "t"})
	if err := r.Register(rt); err != nil {
		t.Fatalf("Register(%s): %v", name, err)
	}
	if _, err := rt.Open(); err != nil {
		t.Fatalf("Open(%s): %v", name, err)
	}
	for i := 0; i < checks; i++ {
		step := fmt.Sprintf("step-%d", i)
		if _, err := rt.Check(step, &model.RenderRequest{RenderID: name + "-" + step}); err != nil {
			t.Fatalf("Check(%s): %v", name, err)
		}
	}
	r.Wake()
	return rt
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRunner_ConcurrencyBound(t *testing.T) {
	conn := newGridStub(3 * time.Millisecond)
	r := startRunner(t, conn, 2)

	var tests []*runningtest.RunningTest
	for i := 0; i < 5; i++ {
		tests = append(tests, addTest(t, r, fmt.Sprintf("target-%d", i), 3))
	}

	outcomes, err := r.AllOutcomes(waitCtx(t))
	if err != nil {
		t.Fatalf("AllOutcomes: %v", err)
	}
	if len(outcomes) != 5 {
		t.Fatalf("got %d outcomes, want 5", len(outcomes))
	}
	if conn.maxRunning > 2 {
		t.Errorf("max concurrent jobs = %d, want <= 2", conn.maxRunning)
	}
	if conn.maxPerTest > 1 {
		t.Errorf("max concurrent jobs of one test = %d, want 1", conn.maxPerTest)
	}
	for _, rt := range tests {
		if got := conn.checkCount(rt.Target().Key()); got != 3 {
			t.Errorf("%s ran %d checks, want 3", rt.Target().Key(), got)
		}
	}
}

func TestRunner_OpenBeforeCheckAndFIFO(t *testing.T) {
	conn := newGridStub(time.Millisecond)
	r := startRunner(t, conn, 4)

	var tests []*runningtest.RunningTest
	for i := 0; i < 3; i++ {
		tests = append(tests, addTest(t, r, fmt.Sprintf("t%d", i), 3))
	}
	if _, err := r.AllOutcomes(waitCtx(t)); err != nil {
		t.Fatalf("AllOutcomes: %v", err)
	}

	for _, rt := range tests {
		jobs := rt.Jobs()
		_, openDispatched, _ := jobs[0].Times()
		var prevCompleted time.Time
		for i, j := range jobs {
			_, dispatched, completed := j.Times()
			if j.Kind() == model.JobKindCheck && dispatched.Before(openDispatched) {
				t.Errorf("%s: CHECK dispatched before OPEN", rt.Target().Key())
			}
			if i > 0 && dispatched.Before(prevCompleted) {
				t.Errorf("%s: job %d started before job %d completed", rt.Target().Key(), i, i-1)
			}
			if completed.Before(prevCompleted) {
				t.Errorf("%s: job %d completed out of order", rt.Target().Key(), i)
			}
			prevCompleted = completed
		}
	}
}

func TestRunner_AbortIsolation(t *testing.T) {
	conn := newGridStub(time.Millisecond)
	r := startRunner(t, conn, 2)

	a := runningtest.New(model.RenderTarget{Name: "a"}, model.OpenRequest{})
	r.Register(a)
	a.Open()
	var aChecks []*job.Job
	for i := 0; i < 3; i++ {
		j, err := a.Check(fmt.Sprintf("a-%d", i), nil)
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		aChecks = append(aChecks, j)
	}
	b := addTest(t, r, "b", 3)

	ctx := waitCtx(t)
	for a.Session() == nil {
		select {
		case <-ctx.Done():
			t.Fatal("a never opened")
		case <-time.After(time.Millisecond):
		}
	}
	a.Abort(true, nil)
	r.Wake()

	outcomes, err := r.AllOutcomes(ctx)
	if err != nil {
		t.Fatalf("AllOutcomes: %v", err)
	}
	if !outcomes[0].Aborted {
		t.Errorf("a outcome = %+v, want aborted", outcomes[0])
	}
	if !outcomes[1].Succeeded() {
		t.Errorf("b outcome = %+v, want success", outcomes[1])
	}
	if got := conn.checkCount("a"); got != 0 {
		t.Errorf("a ran %d checks, want 0", got)
	}
	if got := conn.checkCount(b.Target().Key()); got != 3 {
		t.Errorf("b ran %d checks, want 3", got)
	}
	for _, j := range aChecks {
		if j.State() != model.JobStateFailed {
			t.Errorf("a check %s state = %s, want FAILED", j.StepName(), j.State())
		}
	}
}

func TestRunner_PanicIsolation(t *testing.T) {
	conn := newGridStub(time.Millisecond)
	conn.panicOn = "bad"
	r := startRunner(t, conn, 2)

	addTest(t, r, "bad", 2)
	addTest(t, r, "good", 2)

	outcomes, err := r.AllOutcomes(waitCtx(t))
	if err == nil {
		t.Fatal("AllOutcomes err = nil, want summary of the panicking test")
	}
	if !outcomes[0].Failed() {
		t.Errorf("bad outcome = %+v, want failure", outcomes[0])
	}
	if !outcomes[1].Succeeded() {
		t.Errorf("good outcome = %+v, want success", outcomes[1])
	}
}

func TestRunner_FailureSummary(t *testing.T) {
	conn := newGridStub(0)
	conn.failOn = "t1"
	r := startRunner(t, conn, 3)
	for i := 0; i < 3; i++ {
		addTest(t, r, fmt.Sprintf("t%d", i), 1)
	}
	outcomes, err := r.AllOutcomes(waitCtx(t))
	if err == nil {
		t.Fatal("AllOutcomes err = nil")
	}
	failed := 0
	for _, o := range outcomes {
		if o.Failed() {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("failed outcomes = %d, want 1", failed)
	}
}

func TestRunner_ClosedAfterAllOutcomes(t *testing.T) {
	conn := newGridStub(0)
	r := startRunner(t, conn, 2)
	addTest(t, r, "only", 1)

	if _, err := r.AllOutcomes(waitCtx(t)); err != nil {
		t.Fatalf("AllOutcomes: %v", err)
	}
	late := runningtest.New(model.RenderTarget{Name: "late"}, model.OpenRequest{})
	if err := r.Register(late); !errors.Is(err, model.ErrRunnerClosed) {
		t.Errorf("Register after AllOutcomes err = %v, want ErrRunnerClosed", err)
	}
	if _, err := r.AllOutcomes(waitCtx(t)); !errors.Is(err, model.ErrRunnerClosed) {
		t.Errorf("second AllOutcomes err = %v, want ErrRunnerClosed", err)
	}
	if !errors.Is(r.Err(), model.ErrRunnerClosed) {
		t.Errorf("Err = %v, want ErrRunnerClosed", r.Err())
	}
}

func TestRunner_EventsAndObservers(t *testing.T) {
	conn := newGridStub(0)
	r := startRunner(t, conn, 2)

	var mu sync.Mutex
	finished := 0
	r.Observe(func(ev Event) {
		if ev.Type == EventTestFinished {
			mu.Lock()
			finished++
			mu.Unlock()
		}
	})
	r.Observe(func(Event) { panic("observer bug") })

	addTest(t, r, "x", 1)
	if _, err := r.AllOutcomes(waitCtx(t)); err != nil {
		t.Fatalf("AllOutcomes: %v", err)
	}
	r.Stop()

	mu.Lock()
	if finished != 1 {
		t.Errorf("observer saw %d finished tests, want 1", finished)
	}
	mu.Unlock()

	counts := map[EventType]int{}
	for len(r.Events()) > 0 {
		counts[(<-r.Events()).Type]++
	}
	if counts[EventJobStarted] != 3 || counts[EventJobCompleted] != 3 || counts[EventTestFinished] != 1 {
		t.Errorf("event counts = %v, want 3 started, 3 completed, 1 finished", counts)
	}
}

func TestRunner_TickWithoutLoop(t *testing.T) {
	conn := newGridStub(0)
	r := NewRunner(conn, Config{Concurrency: 1}, logging.Discard())
	rt := addTest(t, r, "manual", 0)
	rt.Close()

	ctx := waitCtx(t)
	for rt.Handle() != nil && !rt.State().IsTerminal() {
		if err := r.Tick(ctx); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		r.jobs.Wait()
	}
	out, ok := rt.Handle().Outcome()
	if !ok || !out.Succeeded() {
		t.Errorf("outcome = %+v, %v", out, ok)
	}
	if r.Registry().Len() != 0 {
		t.Errorf("registry still holds %d tests", r.Registry().Len())
	}
}
