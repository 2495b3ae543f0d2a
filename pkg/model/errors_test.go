package model

import (
	"errors"
	"strings"
	"testing"
)

func TestAPIError_Error(t *testing.T) {
	err := &APIError{Code: ErrNotFound, Message: "Render 'r_123' not found"}
	want := "NOT_FOUND: Render 'r_123' not found"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("Session", "s_abc")
	if err.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", err.Code, ErrNotFound)
	}
	if err.Message != "Session 's_abc' not found" {
		t.Errorf("Message = %q", err.Message)
	}
}

func TestInvalidTransitionError(t *testing.T) {
	err := &InvalidTransitionError{Entity: "Job", ID: "job_1", From: "DONE", To: "RUNNING"}
	want := "invalid Job state transition: DONE → RUNNING (entity job_1)"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestStateError_Unwrap(t *testing.T) {
	err := &StateError{Op: "check", ID: "t1", State: TestStateCloseIssued, Err: ErrTestClosed}
	if !errors.Is(err, ErrTestClosed) {
		t.Error("errors.Is(StateError, ErrTestClosed) = false, want true")
	}
	if !strings.Contains(err.Error(), "CLOSE_ISSUED") {
		t.Errorf("Error() = %q, want it to mention the state", err.Error())
	}
}

func TestConfigError_ListsFields(t *testing.T) {
	err := &ConfigError{Fields: []FieldError{
		{Field: "api_key", Message: "required"},
		{Field: "app_name", Message: "required"},
	}}
	want := "invalid configuration: api_key: required; app_name: required"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestTestFailedError_Unwrap(t *testing.T) {
	cause := errors.New("mismatch")
	err := &TestFailedError{Outcome: TestOutcome{TestID: "t1", Target: RenderTarget{Name: "chrome-800"}, Err: cause}}
	if !errors.Is(err, cause) {
		t.Error("errors.Is(TestFailedError, cause) = false, want true")
	}
	if !strings.Contains(err.Error(), "chrome-800") {
		t.Errorf("Error() = %q, want the target key", err.Error())
	}
}
