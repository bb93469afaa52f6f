package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart   Stage = "RUN_START"
	StageRunDone    Stage = "RUN_DONE"
	StageRunStopped Stage = "RUN_STOPPED"
	StageRunCutoff  Stage = "RUN_CUTOFF"
	StageRunCrashed Stage = "RUN_CRASHED"

	StageDiscovered Stage = "DISCOVERED"
	StageCodeDone   Stage = "CODE_DONE"
	StageCodeError  Stage = "CODE_ERROR"
	StageNameDone   Stage = "NAME_DONE"
	StageNameError  Stage = "NAME_ERROR"
	StageFileSaved  Stage = "FILE_SAVED"
	StageFileError  Stage = "FILE_ERROR"
)

// Event captures a single component of crawl progress.
type Event struct {
	// RunID identifies the crawl run that produced the event.
	RunID string `json:"run_id"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Stage denotes which milestone occurred.
	Stage Stage `json:"stage"`
	// Item is the code, product name or file id the event refers to.
	Item string `json:"item,omitempty"`
	// URL is the page or file URL involved, if any.
	URL string `json:"url,omitempty"`
	// Bytes carries the payload size for fetches and stored files.
	Bytes int64 `json:"bytes,omitempty"`
	// Count carries a stage-specific tally such as links discovered.
	Count int `json:"count,omitempty"`
	// Dur is the time spent on the unit of work or the run.
	Dur time.Duration `json:"dur,omitempty"`
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunStopped, StageRunCutoff, StageRunCrashed, StageDiscovered:
	case StageCodeDone, StageCodeError, StageNameDone, StageNameError, StageFileSaved, StageFileError:
		if e.Item == "" {
			return fmt.Errorf("%s requires item", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Bytes < 0 {
		return errors.New("bytes must be >= 0")
	}
	return nil
}

// Failed reports whether the stage records a per-item or run failure.
func (s Stage) Failed() bool {
	switch s {
	case StageCodeError, StageNameError, StageFileError, StageRunCrashed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the stage ends a run.
func (s Stage) Terminal() bool {
	switch s {
	case StageRunDone, StageRunStopped, StageRunCutoff, StageRunCrashed:
		return true
	default:
		return false
	}
}
