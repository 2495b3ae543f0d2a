package gridserver

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/me/vgrid/pkg/model"
)

// baselineKey identifies the baseline of one test on one target and branch.
type baselineKey struct {
	app, test, target, branch string
}

type session struct {
	id      string
	key     baselineKey
	isNew   bool
	closed  bool
	steps   []string
	matched map[string]bool
	pending map[string]string // step -> dom hash, committed on close
	results model.TestResults
}

type render struct {
	req     model.RenderRequest
	status  model.RenderStatus
	polls   int
	err     string
	regions []model.Region
}

// grid is the in-memory state of the reference server.
type grid struct {
	mu        sync.Mutex
	resources map[string][]byte
	sessions  map[string]*session
	renders   map[string]*render
	baselines map[baselineKey]map[string]string
	// renderPolls is the number of status polls a render stays in progress.
	renderPolls int
}

func newGrid(renderPolls int) *grid {
	return &grid{
		resources:   make(map[string][]byte),
		sessions:    make(map[string]*session),
		renders:     make(map[string]*render),
		baselines:   make(map[baselineKey]map[string]string),
		renderPolls: renderPolls,
	}
}

func (g *grid) putResource(hash string, content []byte) (created bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.resources[hash]; ok {
		return false
	}
	g.resources[hash] = content
	return true
}

func (g *grid) openSession(req model.OpenRequest) model.Session {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := baselineKey{app: req.AppName, test: req.TestName, target: req.Target.Key(), branch: req.BranchName}
	if _, ok := g.baselines[key]; !ok && req.ParentBranchName != "" {
		// A new branch starts from its parent's baselines.
		parent := key
		parent.branch = req.ParentBranchName
		if steps, ok := g.baselines[parent]; ok {
			g.baselines[key] = copySteps(steps)
		}
	}
	_, known := g.baselines[key]

	s := &session{
		id:      "ses_" + uuid.NewString(),
		key:     key,
		isNew:   !known,
		matched: make(map[string]bool),
		pending: make(map[string]string),
		results: model.TestResults{Name: req.TestName, AppName: req.AppName, IsNew: !known},
	}
	s.results.SessionID = s.id
	g.sessions[s.id] = s
	return model.Session{ID: s.id, IsNew: s.isNew}
}

func copySteps(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// missingResources lists the hashes a render request refers to that were never uploaded.
func (g *grid) missingResources(req *model.RenderRequest) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var missing []string
	for _, res := range req.Uploads() {
		if _, ok := g.resources[res.Hash]; !ok {
			missing = append(missing, res.Hash)
		}
	}
	sort.Strings(missing)
	return missing
}

func (g *grid) createRender(req model.RenderRequest) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := req.RenderID
	if id == "" {
		id = uuid.NewString()
		req.RenderID = id
	}
	r := &render{req: req, status: model.RenderStatusWorkInProgress}
	if req.RenderInfo.Width <= 0 || req.RenderInfo.Height <= 0 {
		r.status = model.RenderStatusError
		r.err = fmt.Sprintf("invalid viewport %dx%d", req.RenderInfo.Width, req.RenderInfo.Height)
	}
	for range req.SelectorsToFindRegionsFor {
		r.regions = append(r.regions, model.Region{Width: req.RenderInfo.Width, Height: req.RenderInfo.Height})
	}
	g.renders[id] = r
	return id
}

// pollRender advances the render one poll and reports its status.
func (g *grid) pollRender(id string) (model.RenderStatusResponse, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.renders[id]
	if !ok {
		return model.RenderStatusResponse{}, false
	}
	if r.status == model.RenderStatusWorkInProgress {
		r.polls++
		if r.polls > g.renderPolls {
			r.status = model.RenderStatusComplete
		}
	}
	resp := model.RenderStatusResponse{RenderID: id, Status: r.status, Error: r.err}
	if r.status == model.RenderStatusComplete {
		resp.ImageLocation = fmt.Sprintf("/images/%s.png", id)
		if r.req.SendDom {
			resp.DomLocation = fmt.Sprintf("/resources/%s", r.req.Snapshot.Hash)
		}
		resp.Selectors = r.regions
	}
	return resp, true
}

// gridError carries the HTTP status of a failed grid operation.
type gridError struct {
	status int
	err    *model.APIError
}

func (e *gridError) Error() string { return e.err.Error() }

func notFound(resource, id string) error {
	return &gridError{status: http.StatusNotFound, err: model.NewNotFoundError(resource, id)}
}

func conflict(format string, args ...any) error {
	return &gridError{status: http.StatusConflict, err: &model.APIError{Code: model.ErrConflict, Message: fmt.Sprintf(format, args...)}}
}

// match compares a completed render with the session's baseline. The first
// render of a step without baseline is accepted and becomes the baseline when
// the session closes.
func (g *grid) match(sessionID string, req model.MatchRequest) (model.MatchResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.sessions[sessionID]
	if !ok {
		return model.MatchResult{}, notFound("session", sessionID)
	}
	if s.closed {
		return model.MatchResult{}, conflict("session %s is closed", sessionID)
	}
	r, ok := g.renders[req.RenderID]
	if !ok {
		return model.MatchResult{}, notFound("render", req.RenderID)
	}
	if r.status != model.RenderStatusComplete {
		return model.MatchResult{}, conflict("render %s is %s", req.RenderID, r.status)
	}

	hash := req.DomHash
	if hash == "" {
		hash = r.req.Snapshot.Hash
	}
	s.steps = append(s.steps, req.StepName)
	s.matched[req.StepName] = true
	s.results.Steps++

	result := model.MatchResult{RenderID: req.RenderID, WindowID: fmt.Sprintf("%s/%d", s.id, s.results.Steps)}
	expected, ok := g.baselines[s.key][req.StepName]
	switch {
	case !ok:
		s.pending[req.StepName] = hash
		result.AsExpected = true
		s.results.Matches++
	case expected == hash:
		result.AsExpected = true
		s.results.Matches++
	default:
		s.results.Mismatches++
	}
	return result, nil
}

// closeSession ends a session. Unless aborted, new steps become baselines.
func (g *grid) closeSession(id string, aborted bool) (model.TestResults, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.sessions[id]
	if !ok {
		return model.TestResults{}, notFound("session", id)
	}
	if s.closed {
		return model.TestResults{}, conflict("session %s is already closed", id)
	}
	s.closed = true

	for step := range g.baselines[s.key] {
		if !s.matched[step] {
			s.results.Missing++
		}
	}
	s.results.IsAborted = aborted
	switch {
	case s.results.Mismatches > 0 || s.results.Missing > 0:
		s.results.Status = model.ResultStatusUnresolved
	case aborted:
		s.results.Status = model.ResultStatusFailed
	default:
		s.results.Status = model.ResultStatusPassed
	}

	if !aborted && len(s.pending) > 0 {
		steps := g.baselines[s.key]
		if steps == nil {
			steps = make(map[string]string)
			g.baselines[s.key] = steps
		}
		for step, hash := range s.pending {
			steps[step] = hash
		}
	}
	return s.results, nil
}
