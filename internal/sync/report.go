package sync

import (
	"errors"
	"time"
)

// State is a step of one folder's sync attempt.
type State int

const (
	StateIdle State = iota
	StateValidatingEpoch
	StateFullReset
	StateContinuing
	StateFetching
	StateReconcilingFlags
	StateCommitted
	StateFailed
)

var stateNames = [...]string{
	StateIdle:             "idle",
	StateValidatingEpoch:  "validating_epoch",
	StateFullReset:        "full_reset",
	StateContinuing:       "continuing",
	StateFetching:         "fetching",
	StateReconcilingFlags: "reconciling_flags",
	StateCommitted:        "committed",
	StateFailed:           "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// FolderReport summarizes one folder of a run.
type FolderReport struct {
	Folder        string
	State         State
	ValidityEpoch uint32
	Reset         bool

	// Total is the number of new messages known when fetching started.
	Total   int
	Fetched int
	Skipped int
	LastUID uint32

	// Reconciliation counters.
	Updated int
	Deleted int
	Moved   int

	Err error
}

// Report summarizes one account run. It is returned even when the run
// fails, covering whatever was committed before the failure.
type Report struct {
	AccountID  string
	StartedAt  time.Time
	FinishedAt time.Time
	Folders    []FolderReport

	// Err is set when the account attempt was aborted.
	Err error
}

// Fetched returns the number of messages stored across all folders.
func (r *Report) Fetched() int {
	n := 0
	for _, f := range r.Folders {
		n += f.Fetched
	}
	return n
}

// Skipped returns the number of unparseable messages across all folders.
func (r *Report) Skipped() int {
	n := 0
	for _, f := range r.Folders {
		n += f.Skipped
	}
	return n
}

// Failed returns the reports of folders that did not commit.
func (r *Report) Failed() []FolderReport {
	var failed []FolderReport
	for _, f := range r.Folders {
		if f.State == StateFailed {
			failed = append(failed, f)
		}
	}
	return failed
}

// AllErrors joins the account error with every folder error, or returns
// nil when everything committed.
func (r *Report) AllErrors() error {
	errs := []error{r.Err}
	for _, f := range r.Folders {
		if f.Err != r.Err {
			errs = append(errs, f.Err)
		}
	}
	return errors.Join(errs...)
}

// Duration is the wall time of the run.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
