// Package eyes is the calling surface of one logical visual test. It fans each
// operation out to one RunningTest per render target and folds their outcomes
// back into one result.
package eyes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/me/vgrid/internal/capture"
	"github.com/me/vgrid/internal/job"
	"github.com/me/vgrid/internal/logging"
	"github.com/me/vgrid/internal/runningtest"
	"github.com/me/vgrid/internal/scheduler"
	"github.com/me/vgrid/pkg/model"
)

// Settings identifies the test and holds the defaults applied to every check.
type Settings struct {
	AppName          string
	TestName         string
	APIKey           string
	AgentID          string
	Batch            model.BatchInfo
	BranchName       string
	ParentBranchName string
	MatchLevel       string
	// SendDom is used by checks that do not override it.
	SendDom bool
}

// Listener receives progress of this test's jobs. Callbacks run on dispatcher
// goroutines and must not block.
type Listener struct {
	// OnJobComplete is called after every job of every target.
	OnJobComplete func(target model.RenderTarget, out model.JobOutcome)
	// OnRenderComplete is called after each CHECK job, once its render was matched or failed.
	OnRenderComplete func(target model.RenderTarget, out model.JobOutcome)
}

// Eyes runs one logical test across many render targets.
type Eyes struct {
	runner   *scheduler.Runner
	page     *capture.Page
	settings Settings
	logger   *slog.Logger

	mu       sync.Mutex
	tests    []*runningtest.RunningTest
	current  []*runningtest.RunningTest
	owned    map[string]bool
	listener Listener
}

// New creates an Eyes that dispatches through runner and captures from page.
// A nil logger discards.
func New(runner *scheduler.Runner, page *capture.Page, settings Settings, logger *slog.Logger) *Eyes {
	if logger == nil {
		logger = logging.Discard()
	}
	e := &Eyes{
		runner:   runner,
		page:     page,
		settings: settings,
		logger:   logger.With("component", "eyes", "app", settings.AppName, "test", settings.TestName),
		owned:    make(map[string]bool),
	}
	runner.Observe(e.onEvent)
	return e
}

// SetListener replaces the listener.
func (e *Eyes) SetListener(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listener = l
}

func (e *Eyes) onEvent(ev scheduler.Event) {
	if ev.Type != scheduler.EventJobCompleted || ev.Job == nil {
		return
	}
	e.mu.Lock()
	owned := e.owned[ev.TestID]
	l := e.listener
	e.mu.Unlock()
	if !owned {
		return
	}
	if l.OnJobComplete != nil {
		l.OnJobComplete(ev.Target, *ev.Job)
	}
	if ev.Kind == model.JobKindCheck && l.OnRenderComplete != nil {
		l.OnRenderComplete(ev.Target, *ev.Job)
	}
}

// Open validates the settings and targets, then registers one RunningTest per
// target and enqueues its OPEN job. On a *model.ConfigError nothing is created.
// Eyes may be opened again once the previous run was closed or aborted.
func (e *Eyes) Open(ctx context.Context, targets []model.RenderTarget) error {
	if err := e.runner.Err(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.validate(targets); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rt := range e.current {
		if rt.Handle() == nil {
			return fmt.Errorf("open %s: %w", e.settings.TestName, model.ErrAlreadyOpened)
		}
	}

	e.current = nil
	for _, target := range targets {
		rt := runningtest.New(target, e.openRequest(), runningtest.WithLogger(e.logger))
		if err := e.runner.Register(rt); err != nil {
			return err
		}
		e.tests = append(e.tests, rt)
		e.current = append(e.current, rt)
		e.owned[rt.ID()] = true
		if _, err := rt.Open(); err != nil {
			return err
		}
	}
	e.runner.Wake()
	e.logger.Info("test opened", "targets", len(targets))
	return nil
}

func (e *Eyes) openRequest() model.OpenRequest {
	return model.OpenRequest{
		AppName:          e.settings.AppName,
		TestName:         e.settings.TestName,
		AgentID:          e.settings.AgentID,
		Batch:            e.settings.Batch,
		BranchName:       e.settings.BranchName,
		ParentBranchName: e.settings.ParentBranchName,
		MatchLevel:       e.settings.MatchLevel,
	}
}

func (e *Eyes) validate(targets []model.RenderTarget) error {
	var fields []model.FieldError
	if e.settings.AppName == "" {
		fields = append(fields, model.FieldError{Field: "app_name", Message: "is required"})
	}
	if e.settings.TestName == "" {
		fields = append(fields, model.FieldError{Field: "test_name", Message: "is required"})
	}
	if e.settings.APIKey == "" {
		fields = append(fields, model.FieldError{Field: "api_key", Message: "is required"})
	}
	if len(targets) == 0 {
		fields = append(fields, model.FieldError{Field: "browsers", Message: "at least one render target is required"})
	}
	seen := make(map[string]bool, len(targets))
	for i, t := range targets {
		field := fmt.Sprintf("browsers[%d]", i)
		if t.DeviceName == "" && (t.Width <= 0 || t.Height <= 0) {
			fields = append(fields, model.FieldError{Field: field, Message: "width and height must be positive"})
		}
		if t.Browser.Name == "" {
			fields = append(fields, model.FieldError{Field: field, Message: "browser name is required"})
		}
		if seen[t.Key()] {
			fields = append(fields, model.FieldError{Field: field, Message: fmt.Sprintf("duplicate target %s", t.Key())})
		}
		seen[t.Key()] = true
	}
	if len(fields) > 0 {
		return &model.ConfigError{Fields: fields}
	}
	return nil
}

func validateCheck(desc model.CheckDescriptor) error {
	var fields []model.FieldError
	if desc.Name == "" {
		fields = append(fields, model.FieldError{Field: "name", Message: "is required"})
	}
	switch {
	case desc.SizeMode != "" && !desc.SizeMode.Valid():
		fields = append(fields, model.FieldError{Field: "size_mode", Message: fmt.Sprintf("unknown size mode %q", desc.SizeMode)})
	case (desc.SizeMode == model.SizeModeSelector || desc.SizeMode == model.SizeModeFullSelector) && desc.TargetSelector == "":
		fields = append(fields, model.FieldError{Field: "target_selector", Message: "is required for size mode " + string(desc.SizeMode)})
	case desc.SizeMode == model.SizeModeRegion && desc.Region == nil:
		fields = append(fields, model.FieldError{Field: "region", Message: "is required for size mode region"})
	}
	for category := range desc.Regions {
		if !knownCategory(category) {
			fields = append(fields, model.FieldError{Field: "regions", Message: fmt.Sprintf("unknown region category %q", category)})
		}
	}
	if len(fields) > 0 {
		return &model.ConfigError{Fields: fields}
	}
	return nil
}

func knownCategory(c string) bool {
	for _, known := range model.RegionCategories {
		if c == known {
			return true
		}
	}
	return false
}

// Check appends one CHECK job to every open target, captures the page once and
// resolves every job with its target's render request. A capture failure fails
// those jobs, puts the targets in exception mode and is returned.
func (e *Eyes) Check(ctx context.Context, desc model.CheckDescriptor) error {
	if err := e.runner.Err(); err != nil {
		return err
	}
	if err := validateCheck(desc); err != nil {
		return err
	}

	e.mu.Lock()
	tests := append([]*runningtest.RunningTest(nil), e.current...)
	e.mu.Unlock()
	if len(tests) == 0 {
		return fmt.Errorf("check %q: %w", desc.Name, model.ErrNotOpened)
	}

	pending := make([]pendingCheck, 0, len(tests))
	for _, rt := range tests {
		j, err := rt.Check(desc.Name, nil)
		if err != nil {
			e.fail(pending, err)
			return err
		}
		pending = append(pending, pendingCheck{rt: rt, job: j})
	}

	res, err := e.page.Capture(ctx, desc)
	if err != nil {
		e.logger.Warn("check capture failed", "step", desc.Name, "error", err)
		e.fail(pending, err)
		return err
	}

	for _, p := range pending {
		if err := p.job.Resolve(e.renderRequest(p.rt, desc, res)); err != nil {
			// The test was aborted while the page was captured.
			e.logger.Debug("check no longer pending", "test_id", p.rt.ID(), "job_id", p.job.ID(), "error", err)
		}
	}
	e.runner.Wake()
	return nil
}

type pendingCheck struct {
	rt  *runningtest.RunningTest
	job *job.Job
}

func (e *Eyes) fail(pending []pendingCheck, err error) {
	for _, p := range pending {
		p.rt.FailCheck(p.job, err)
	}
	e.runner.Wake()
}

func (e *Eyes) renderRequest(rt *runningtest.RunningTest, desc model.CheckDescriptor, res capture.Result) *model.RenderRequest {
	target := rt.Target()
	mode := desc.SizeMode
	if mode == "" {
		mode = model.SizeModeViewport
	}
	sendDom := e.settings.SendDom
	if desc.SendDom != nil {
		sendDom = *desc.SendDom
	}
	return &model.RenderRequest{
		RenderID:  uuid.NewString(),
		TestID:    rt.ID(),
		StepName:  desc.Name,
		AgentID:   e.settings.AgentID,
		URL:       res.Snapshot.URL,
		Snapshot:  res.Snapshot.Dom,
		Resources: res.Snapshot.Resources,
		RenderInfo: model.RenderInfo{
			Width:    target.Width,
			Height:   target.Height,
			SizeMode: mode,
			Selector: res.Target,
			Region:   desc.Region,
		},
		Platform:                  target.Platform,
		Browser:                   target.Browser,
		SelectorsToFindRegionsFor: res.Selectors,
		ScriptHooks:               desc.ScriptHooks,
		SendDom:                   sendDom,
		Options:                   desc.Options,
	}
}

// CloseAsync issues close on every target of the current run and returns
// their completion handles in registration order.
func (e *Eyes) CloseAsync() ([]*runningtest.Handle, error) {
	return e.teardown(func(rt *runningtest.RunningTest) *runningtest.Handle { return rt.Close() })
}

// AbortAsync aborts every target of the current run that was not closed yet.
func (e *Eyes) AbortAsync() ([]*runningtest.Handle, error) {
	return e.teardown(func(rt *runningtest.RunningTest) *runningtest.Handle { return rt.Abort(false, nil) })
}

func (e *Eyes) teardown(issue func(*runningtest.RunningTest) *runningtest.Handle) ([]*runningtest.Handle, error) {
	if err := e.runner.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	tests := append([]*runningtest.RunningTest(nil), e.current...)
	e.mu.Unlock()
	if len(tests) == 0 {
		return nil, model.ErrNotOpened
	}
	handles := make([]*runningtest.Handle, len(tests))
	for i, rt := range tests {
		handles[i] = issue(rt)
	}
	e.runner.Wake()
	return handles, nil
}

// Close closes every target and waits for their outcomes. The first failing
// outcome is returned; with throwOnError it is also raised as a
// *model.TestFailedError. Without failures the first outcome is returned.
// AllOutcomes still reports every target.
func (e *Eyes) Close(ctx context.Context, throwOnError bool) (model.TestOutcome, error) {
	handles, err := e.CloseAsync()
	if err != nil {
		return model.TestOutcome{}, err
	}
	outcomes, err := wait(ctx, handles)
	if err != nil {
		return model.TestOutcome{}, err
	}
	out := fold(outcomes)
	if out.Failed() {
		e.logger.Warn("test failed", "target", out.Target.Key(), "error", out.Err)
		if throwOnError {
			return out, &model.TestFailedError{Outcome: out}
		}
	}
	return out, nil
}

// Abort aborts every target and waits for their outcomes. Failures are only
// reported in the returned outcome; the error is set only when ctx ends first.
func (e *Eyes) Abort(ctx context.Context) (model.TestOutcome, error) {
	handles, err := e.AbortAsync()
	if err != nil {
		if errors.Is(err, model.ErrNotOpened) {
			return model.TestOutcome{}, nil
		}
		return model.TestOutcome{}, err
	}
	outcomes, err := wait(ctx, handles)
	if err != nil {
		return model.TestOutcome{}, err
	}
	return fold(outcomes), nil
}

// AllOutcomes waits for every target this Eyes ever opened, closing those that
// are still open, and returns their outcomes in registration order.
func (e *Eyes) AllOutcomes(ctx context.Context) ([]model.TestOutcome, error) {
	e.mu.Lock()
	tests := append([]*runningtest.RunningTest(nil), e.tests...)
	e.mu.Unlock()

	handles := make([]*runningtest.Handle, len(tests))
	for i, rt := range tests {
		handles[i] = rt.Close()
	}
	e.runner.Wake()
	return wait(ctx, handles)
}

func wait(ctx context.Context, handles []*runningtest.Handle) ([]model.TestOutcome, error) {
	outcomes := make([]model.TestOutcome, 0, len(handles))
	for _, h := range handles {
		out, err := h.Wait(ctx)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

// fold picks the first failing outcome, else the first one.
func fold(outcomes []model.TestOutcome) model.TestOutcome {
	for _, out := range outcomes {
		if out.Failed() {
			return out
		}
	}
	if len(outcomes) == 0 {
		return model.TestOutcome{}
	}
	return outcomes[0]
}

// Tests returns the RunningTests this Eyes opened, in registration order.
func (e *Eyes) Tests() []*runningtest.RunningTest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*runningtest.RunningTest(nil), e.tests...)
}
