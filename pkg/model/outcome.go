package model

import "time"

// BatchInfo groups the tests of one run on the comparison service.
type BatchInfo struct {
	ID                 string            `json:"id" yaml:"id"`
	Name               string            `json:"name" yaml:"name"`
	SequenceName       string            `json:"sequenceName,omitempty" yaml:"sequence_name,omitempty"`
	StartedAt          time.Time         `json:"startedAt" yaml:"-"`
	NotifyOnCompletion bool              `json:"notifyOnCompletion" yaml:"notify_on_completion"`
	Properties         map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// OpenRequest is the payload of an OPEN job.
type OpenRequest struct {
	TestID           string       `json:"testId"`
	AppName          string       `json:"appName"`
	TestName         string       `json:"testName"`
	AgentID          string       `json:"agentId,omitempty"`
	Batch            BatchInfo    `json:"batch"`
	Target           RenderTarget `json:"target"`
	BranchName       string       `json:"branchName,omitempty"`
	ParentBranchName string       `json:"parentBranchName,omitempty"`
	MatchLevel       string       `json:"matchLevel,omitempty"`
}

// Session is the comparison-service session opened for one RunningTest.
type Session struct {
	ID    string `json:"id"`
	URL   string `json:"url,omitempty"`
	IsNew bool   `json:"isNew"`
}

// MatchRequest asks the service to compare a finished render with the baseline.
type MatchRequest struct {
	RenderID   string `json:"renderId"`
	StepName   string `json:"stepName"`
	DomHash    string `json:"domHash"`
	MatchLevel string `json:"matchLevel,omitempty"`
}

// MatchResult is the outcome of one CHECK.
type MatchResult struct {
	AsExpected bool   `json:"asExpected"`
	WindowID   string `json:"windowId,omitempty"`
	RenderID   string `json:"renderId,omitempty"`
}

// TestResults summarises a closed session.
type TestResults struct {
	SessionID  string       `json:"sessionId"`
	Name       string       `json:"name"`
	AppName    string       `json:"appName"`
	Status     ResultStatus `json:"status"`
	Steps      int          `json:"steps"`
	Matches    int          `json:"matches"`
	Mismatches int          `json:"mismatches"`
	Missing    int          `json:"missing"`
	IsNew      bool         `json:"isNew"`
	IsAborted  bool         `json:"isAborted"`
	URL        string       `json:"url,omitempty"`
}

// IsPassed reports whether every step matched its baseline.
func (r *TestResults) IsPassed() bool {
	return r != nil && r.Status == ResultStatusPassed
}

// JobOutcome is the immutable result of one Job.
type JobOutcome struct {
	JobID    string
	Kind     JobKind
	Session  *Session
	Match    *MatchResult
	RenderID string
	Results  *TestResults
	Err      error
}

// Failed reports whether the job ended with an error.
func (o JobOutcome) Failed() bool {
	return o.Err != nil
}

// TestOutcome is the final result of one RunningTest.
type TestOutcome struct {
	TestID      string
	Target      RenderTarget
	Results     *TestResults
	Err         error
	Aborted     bool
	CompletedAt time.Time
}

// Failed reports whether the test carries an exception.
func (o TestOutcome) Failed() bool {
	return o.Err != nil
}

// Succeeded reports whether the test finished without exception and all steps matched.
func (o TestOutcome) Succeeded() bool {
	return o.Err == nil && !o.Aborted && o.Results.IsPassed()
}

// CheckDescriptor describes one visual check, already resolved from the caller's settings.
type CheckDescriptor struct {
	Name           string              `json:"name" yaml:"name"`
	SizeMode       SizeMode            `json:"sizeMode" yaml:"size_mode"`
	TargetSelector string              `json:"targetSelector,omitempty" yaml:"target_selector,omitempty"`
	Region         *Region             `json:"region,omitempty" yaml:"region,omitempty"`
	FramePath      []string            `json:"framePath,omitempty" yaml:"frame_path,omitempty"`
	Regions        map[string][]string `json:"regions,omitempty" yaml:"regions,omitempty"`
	ScriptHooks    map[string]string   `json:"scriptHooks,omitempty" yaml:"script_hooks,omitempty"`
	SendDom        *bool               `json:"sendDom,omitempty" yaml:"send_dom,omitempty"`
	MatchLevel     string              `json:"matchLevel,omitempty" yaml:"match_level,omitempty"`
	Options        map[string]any      `json:"options,omitempty" yaml:"options,omitempty"`
}

// RegionCategories lists the region kinds a CheckDescriptor may carry, in wire order.
var RegionCategories = []string{"ignore", "layout", "strict", "content", "floating", "accessibility"}
