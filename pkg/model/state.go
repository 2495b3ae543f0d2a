package model

// JobKind identifies what a Job does against the comparison service.
type JobKind string

const (
	JobKindOpen  JobKind = "OPEN"
	JobKindCheck JobKind = "CHECK"
	JobKindAbort JobKind = "ABORT"
	JobKindClose JobKind = "CLOSE"
)

// String returns the string representation of the job kind.
func (k JobKind) String() string {
	return string(k)
}

// IsTeardown returns true for the kinds that end a RunningTest.
func (k JobKind) IsTeardown() bool {
	return k == JobKindClose || k == JobKindAbort
}

// JobState represents the lifecycle state of a Job.
type JobState string

const (
	JobStatePending JobState = "PENDING"
	JobStateRunning JobState = "RUNNING"
	JobStateDone    JobState = "DONE"
	JobStateFailed  JobState = "FAILED"
)

// String returns the string representation of the job state.
func (s JobState) String() string {
	return string(s)
}

// IsTerminal returns true if the job is in a final state.
func (s JobState) IsTerminal() bool {
	return s == JobStateDone || s == JobStateFailed
}

// ValidJobTransitions defines the allowed state transitions for Jobs.
// PENDING → FAILED covers jobs skipped by an abort or rejected before dispatch.
var ValidJobTransitions = map[JobState][]JobState{
	JobStatePending: {JobStateRunning, JobStateFailed},
	JobStateRunning: {JobStateDone, JobStateFailed},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s JobState) CanTransitionTo(next JobState) bool {
	for _, allowed := range ValidJobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TestState represents the lifecycle state of a RunningTest.
type TestState string

const (
	TestStateNotOpened    TestState = "NOT_OPENED"
	TestStateOpenIssued   TestState = "OPEN_ISSUED"
	TestStateOpen         TestState = "OPEN"
	TestStateCheckIssued  TestState = "CHECK_ISSUED"
	TestStateReadyToClose TestState = "READY_TO_CLOSE"
	TestStateCloseIssued  TestState = "CLOSE_ISSUED"
	TestStateClosed       TestState = "CLOSED"
	TestStateAborted      TestState = "ABORTED"
)

// String returns the string representation of the test state.
func (s TestState) String() string {
	return string(s)
}

// IsTerminal returns true if the test has produced its outcome.
func (s TestState) IsTerminal() bool {
	return s == TestStateClosed || s == TestStateAborted
}

// AcceptsChecks returns true if a CHECK job may be appended in this state.
func (s TestState) AcceptsChecks() bool {
	switch s {
	case TestStateOpenIssued, TestStateOpen, TestStateCheckIssued:
		return true
	}
	return false
}

// ValidTestTransitions defines the allowed state transitions for RunningTests.
// ABORTED is reachable from every non-terminal state and is added by CanTransitionTo.
var ValidTestTransitions = map[TestState][]TestState{
	TestStateNotOpened:    {TestStateOpenIssued, TestStateClosed},
	TestStateOpenIssued:   {TestStateOpen, TestStateCheckIssued, TestStateReadyToClose},
	TestStateOpen:         {TestStateCheckIssued, TestStateReadyToClose},
	TestStateCheckIssued:  {TestStateOpen, TestStateCheckIssued, TestStateReadyToClose},
	TestStateReadyToClose: {TestStateCloseIssued},
	TestStateCloseIssued:  {TestStateClosed},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s TestState) CanTransitionTo(next TestState) bool {
	if next == TestStateAborted {
		return !s.IsTerminal()
	}
	for _, allowed := range ValidTestTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RenderStatus is the state of a render request on the grid.
type RenderStatus string

const (
	RenderStatusWorkInProgress RenderStatus = "WORK_IN_PROGRESS"
	RenderStatusComplete       RenderStatus = "COMPLETE"
	RenderStatusError          RenderStatus = "ERROR"
)

// IsTerminal returns true once the render finished, successfully or not.
func (s RenderStatus) IsTerminal() bool {
	return s == RenderStatusComplete || s == RenderStatusError
}

// ResultStatus summarises a closed session.
type ResultStatus string

const (
	ResultStatusPassed     ResultStatus = "Passed"
	ResultStatusUnresolved ResultStatus = "Unresolved"
	ResultStatusFailed     ResultStatus = "Failed"
)

// SizeMode selects which part of the page a check renders.
type SizeMode string

const (
	SizeModeViewport     SizeMode = "viewport"
	SizeModeFullPage     SizeMode = "full-page"
	SizeModeRegion       SizeMode = "region"
	SizeModeSelector     SizeMode = "selector"
	SizeModeFullSelector SizeMode = "full-selector"
)

// Valid reports whether m is one of the known size modes.
func (m SizeMode) Valid() bool {
	switch m {
	case SizeModeViewport, SizeModeFullPage, SizeModeRegion, SizeModeSelector, SizeModeFullSelector:
		return true
	}
	return false
}
