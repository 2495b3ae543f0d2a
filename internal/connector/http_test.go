package connector

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/me/vgrid/internal/gridserver"
	"github.com/me/vgrid/internal/logging"
	"github.com/me/vgrid/pkg/model"
)

// countingHandler counts requests by method and can fail the first ones.
type countingHandler struct {
	next      http.Handler
	failFirst int

	mu     sync.Mutex
	counts map[string]int
	total  int
}

func (h *countingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.total++
	n := h.total
	if h.counts == nil {
		h.counts = map[string]int{}
	}
	h.counts[r.Method]++
	h.mu.Unlock()
	if n <= h.failFirst {
		http.Error(w, "try again", http.StatusServiceUnavailable)
		return
	}
	h.next.ServeHTTP(w, r)
}

func (h *countingHandler) count(method string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[method]
}

func newTestConnector(t *testing.T, cfg gridserver.Config, failFirst int, key string) (*HTTPConnector, *countingHandler) {
	t.Helper()
	h := &countingHandler{next: gridserver.New(cfg, logging.Discard()), failFirst: failFirst}
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	c, err := NewHTTPConnector(HTTPConfig{
		ServerURL:          ts.URL,
		APIKey:             key,
		RenderPollInterval: time.Millisecond,
		RenderPollAttempts: 20,
	}, logging.Discard())
	if err != nil {
		t.Fatalf("NewHTTPConnector: %v", err)
	}
	return c, h
}

func checkRequest(dom string) *model.RenderRequest {
	content := []byte(dom)
	css := model.NewResource("https://a.example/a.css", "text/css", []byte("a{}"))
	return &model.RenderRequest{
		RenderID:   "r-" + dom,
		StepName:   "home",
		URL:        "https://a.example/",
		Snapshot:   model.DomSnapshot{Hash: model.HashContent(content), HashFormat: "sha256", Content: content},
		Resources:  map[string]model.Resource{css.URL: css},
		RenderInfo: model.RenderInfo{Width: 800, Height: 600, SizeMode: model.SizeModeViewport},
	}
}

func TestHTTPConnector_Lifecycle(t *testing.T) {
	c, h := newTestConnector(t, gridserver.Config{APIKey: "secret", RenderPolls: 2}, 0, "secret")
	ctx := context.Background()

	if err := c.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}
	session, err := c.SubmitOpen(ctx, model.OpenRequest{AppName: "shop", TestName: "home", Target: model.RenderTarget{Name: "chrome"}})
	if err != nil {
		t.Fatalf("SubmitOpen: %v", err)
	}
	if !session.IsNew {
		t.Error("first session is not new")
	}

	for _, dom := range []string{`{"a":1}`, `{"a":2}`} {
		match, err := c.SubmitCheck(ctx, session, checkRequest(dom))
		if err != nil {
			t.Fatalf("SubmitCheck(%s): %v", dom, err)
		}
		if !match.AsExpected {
			t.Errorf("match = %+v, want as expected", match)
		}
	}
	// Two DOMs and one stylesheet shared by both checks.
	if got := h.count(http.MethodPut); got != 3 {
		t.Errorf("uploads = %d, want 3", got)
	}

	results, err := c.SubmitClose(ctx, session, false)
	if err != nil {
		t.Fatalf("SubmitClose: %v", err)
	}
	if results.Steps != 2 || results.Status != model.ResultStatusPassed {
		t.Errorf("results = %+v, want 2 passed steps", results)
	}
}

func TestHTTPConnector_APIErrorNotRetried(t *testing.T) {
	c, h := newTestConnector(t, gridserver.Config{APIKey: "secret"}, 0, "wrong")
	_, err := c.SubmitOpen(context.Background(), model.OpenRequest{AppName: "a", TestName: "t"})

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrUnauthorized {
		t.Fatalf("err = %v, want UNAUTHORIZED", err)
	}
	if got := h.count(http.MethodPost); got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}
}

func TestHTTPConnector_RetriesServerErrors(t *testing.T) {
	c, h := newTestConnector(t, gridserver.Config{}, 2, "")
	session, err := c.SubmitOpen(context.Background(), model.OpenRequest{AppName: "a", TestName: "t"})
	if err != nil {
		t.Fatalf("SubmitOpen: %v", err)
	}
	if session.ID == "" {
		t.Error("session id is empty")
	}
	if got := h.count(http.MethodPost); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
}

func TestHTTPConnector_RenderError(t *testing.T) {
	c, _ := newTestConnector(t, gridserver.Config{}, 0, "")
	ctx := context.Background()
	session, err := c.SubmitOpen(ctx, model.OpenRequest{AppName: "a", TestName: "t"})
	if err != nil {
		t.Fatalf("SubmitOpen: %v", err)
	}
	req := checkRequest(`{"b":1}`)
	req.RenderInfo.Width = 0
	_, err = c.SubmitCheck(ctx, session, req)
	if err == nil || !strings.Contains(err.Error(), "invalid viewport") {
		t.Errorf("SubmitCheck err = %v, want render failure", err)
	}
}

func TestHTTPConnector_CloseUnknownSession(t *testing.T) {
	c, _ := newTestConnector(t, gridserver.Config{}, 0, "")
	_, err := c.SubmitClose(context.Background(), &model.Session{ID: "nope"}, true)
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrNotFound {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}

func TestNewHTTPConnector_RequiresURL(t *testing.T) {
	if _, err := NewHTTPConnector(HTTPConfig{}, logging.Discard()); err == nil {
		t.Error("connector without server url accepted")
	}
}
