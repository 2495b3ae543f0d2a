package model

import "time"

// OutcomeRecord is the stored form of one TestOutcome.
type OutcomeRecord struct {
	ID          string       `json:"id"`
	RunID       string       `json:"run_id"`
	BatchID     string       `json:"batch_id"`
	AppName     string       `json:"app_name"`
	TestName    string       `json:"test_name"`
	BranchName  string       `json:"branch_name,omitempty"`
	TestID      string       `json:"test_id"`
	Target      string       `json:"target"`
	Browser     string       `json:"browser"`
	Width       int          `json:"width"`
	Height      int          `json:"height"`
	SessionID   string       `json:"session_id,omitempty"`
	Status      ResultStatus `json:"status,omitempty"`
	Steps       int          `json:"steps"`
	Matches     int          `json:"matches"`
	Mismatches  int          `json:"mismatches"`
	Missing     int          `json:"missing"`
	IsNew       bool         `json:"is_new"`
	Aborted     bool         `json:"aborted"`
	Error       string       `json:"error,omitempty"`
	CompletedAt time.Time    `json:"completed_at"`
}

// Passed reports whether the recorded test succeeded.
func (r *OutcomeRecord) Passed() bool {
	return r.Error == "" && !r.Aborted && r.Status == ResultStatusPassed
}

// NewOutcomeRecord flattens o for storage. The id is left for the store to assign.
func NewOutcomeRecord(runID string, req OpenRequest, o TestOutcome) *OutcomeRecord {
	rec := &OutcomeRecord{
		RunID:       runID,
		BatchID:     req.Batch.ID,
		AppName:     req.AppName,
		TestName:    req.TestName,
		BranchName:  req.BranchName,
		TestID:      o.TestID,
		Target:      o.Target.Key(),
		Browser:     o.Target.Browser.Name,
		Width:       o.Target.Width,
		Height:      o.Target.Height,
		Aborted:     o.Aborted,
		CompletedAt: o.CompletedAt,
	}
	if r := o.Results; r != nil {
		rec.SessionID = r.SessionID
		rec.Status = r.Status
		rec.Steps = r.Steps
		rec.Matches = r.Matches
		rec.Mismatches = r.Mismatches
		rec.Missing = r.Missing
		rec.IsNew = r.IsNew
	}
	if o.Err != nil {
		rec.Error = o.Err.Error()
	}
	return rec
}
