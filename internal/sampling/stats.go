package sampling

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

// UploadStats counts upload outcomes for the life of the process.
// Counters only grow. The controller owns the live value; everyone
// else gets copies from [UploadStats.Snapshot].
type UploadStats struct {
	LastSuccess time.Time        `json:"last_success,omitzero"`
	LastFailure time.Time        `json:"last_failure,omitzero"`
	Successes   int64            `json:"successes"`
	Failures    int64            `json:"failures"`
	ErrorTally  map[string]int64 `json:"error_tally"`
}

func (s *UploadStats) recordSuccess(now time.Time) {
	s.Successes++
	s.LastSuccess = now
}

// recordFailure counts err and returns the tally key it went under.
func (s *UploadStats) recordFailure(now time.Time, err error) string {
	s.Failures++
	s.LastFailure = now
	if s.ErrorTally == nil {
		s.ErrorTally = make(map[string]int64)
	}
	sig := ErrorSignature(err)
	s.ErrorTally[sig]++
	return sig
}

// Snapshot returns a deep copy safe to hand to other goroutines.
func (s UploadStats) Snapshot() UploadStats {
	out := s
	out.ErrorTally = make(map[string]int64, len(s.ErrorTally))
	maps.Copy(out.ErrorTally, s.ErrorTally)
	return out
}

type kinder interface {
	Kind() string
}

// wrapperTypes only decorate the error they wrap, usually with
// per-call detail such as a batch ID.
var wrapperTypes = map[string]bool{
	"fmt.wrapError":    true,
	"fmt.wrapErrors":   true,
	"errors.joinError": true,
}

func typeName(err error) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}

// classify returns the error that names the failure class: the first
// one in the chain with a Kind method, else the outermost one that is
// not a plain wrapper. For errors joining several causes the last one
// is followed, matching "%w: %w" wrapping where the sentinel comes
// first.
func classify(err error) (kind string, cause error) {
	var k kinder
	if errors.As(err, &k) {
		if e, ok := k.(error); ok {
			return k.Kind(), e
		}
	}

	for {
		if !wrapperTypes[typeName(err)] {
			return typeName(err), err
		}
		var next error
		switch u := err.(type) {
		case interface{ Unwrap() error }:
			next = u.Unwrap()
		case interface{ Unwrap() []error }:
			if errs := u.Unwrap(); len(errs) > 0 {
				next = errs[len(errs)-1]
			}
		}
		if next == nil {
			return typeName(err), err
		}
		err = next
	}
}

// ErrorSignature identifies a failure class as "<kind>: <message>".
// Both parts come from the error that classifies the failure, so
// wrapping context added per call does not split one class into many.
func ErrorSignature(err error) string {
	if err == nil {
		return "<nil>"
	}
	kind, cause := classify(err)
	return kind + ": " + cause.Error()
}
