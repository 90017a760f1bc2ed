package sampling

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"time"

	"github.com/iobeam/rssibeam/internal/telemetry"
)

func TestErrorSignature(t *testing.T) {
	api := &telemetry.APIError{StatusCode: 401, Message: "bad token"}

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "<nil>"},
		{"plain", errors.New("boom"), "errors.errorString: boom"},
		{"kind method", api, "APIError: " + api.Error()},
		{
			name: "wrapped kind",
			err:  fmt.Errorf("import batch 0190: %w", api),
			want: "APIError: " + api.Error(),
		},
		{
			name: "sentinel and kind",
			err:  fmt.Errorf("%w: %w", ErrUploadFailed, api),
			want: "APIError: " + api.Error(),
		},
		{
			name: "outermost stdlib type",
			err:  fmt.Errorf("open buffer: %w", &fs.PathError{Op: "open", Path: "x", Err: fs.ErrNotExist}),
			want: "fs.PathError: open x: file does not exist",
		},
		{
			name: "wrapped sentinel",
			err:  fmt.Errorf("publish batch 0190: %w", errors.New("mqtt: not connected")),
			want: "errors.errorString: mqtt: not connected",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorSignature(tt.err); got != tt.want {
				t.Errorf("ErrorSignature() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorSignature_SameClassCollapses(t *testing.T) {
	a := &telemetry.APIError{StatusCode: 503, Message: "busy"}
	b := &telemetry.APIError{StatusCode: 503, Message: "busy"}
	if ErrorSignature(a) != ErrorSignature(b) {
		t.Errorf("signatures differ: %q vs %q", ErrorSignature(a), ErrorSignature(b))
	}
	wrappedA := fmt.Errorf("import batch 01a1: %w", a)
	wrappedB := fmt.Errorf("import batch 01a2: %w", b)
	if ErrorSignature(wrappedA) != ErrorSignature(wrappedB) {
		t.Errorf("per-batch wrapping split the class: %q vs %q", ErrorSignature(wrappedA), ErrorSignature(wrappedB))
	}
	c := &telemetry.APIError{StatusCode: 500, Message: "busy"}
	if ErrorSignature(a) == ErrorSignature(c) {
		t.Errorf("distinct errors share signature %q", ErrorSignature(a))
	}
}

func TestUploadStats_Record(t *testing.T) {
	var s UploadStats
	t1 := testEpoch
	t2 := testEpoch.Add(time.Minute)

	s.recordSuccess(t1)
	s.recordFailure(t2, errors.New("x"))
	s.recordFailure(t2, errors.New("x"))

	if s.Successes != 1 || s.Failures != 2 {
		t.Errorf("counts = %d/%d, want 1/2", s.Successes, s.Failures)
	}
	if !s.LastSuccess.Equal(t1) || !s.LastFailure.Equal(t2) {
		t.Errorf("timestamps = %v/%v", s.LastSuccess, s.LastFailure)
	}
	if got := s.ErrorTally["errors.errorString: x"]; got != 2 {
		t.Errorf("tally = %v, want x counted twice", s.ErrorTally)
	}
}

func TestUploadStats_SnapshotIsDeepCopy(t *testing.T) {
	var s UploadStats
	s.recordFailure(testEpoch, errors.New("a"))

	snap := s.Snapshot()
	snap.ErrorTally["errors.errorString: a"] = 99
	snap.ErrorTally["new"] = 1
	snap.Failures = 42

	if s.ErrorTally["errors.errorString: a"] != 1 || len(s.ErrorTally) != 1 {
		t.Errorf("original tally mutated: %v", s.ErrorTally)
	}
	if s.Failures != 1 {
		t.Errorf("original failures = %d, want 1", s.Failures)
	}
}

func TestUploadStats_SnapshotOfZero(t *testing.T) {
	var s UploadStats
	snap := s.Snapshot()
	if snap.ErrorTally == nil {
		t.Error("Snapshot().ErrorTally = nil, want empty map")
	}
}
