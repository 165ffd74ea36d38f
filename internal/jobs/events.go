package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/inaiurai/creditcore/internal/models"
)

// Event is a normalized progress notification from a provider, delivered by
// webhook or produced by polling.
type Event struct {
	State     models.JobState `json:"state"`
	ErrorCode string          `json:"error_code,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	// Reference is the job id echoed back by the provider, when it has one.
	Reference string `json:"reference,omitempty"`
}

// Seq orders events: accepted < partial < complete/failed. Both terminal
// states share the top ordinal so whichever lands first wins.
func (e Event) Seq() (int, error) {
	return SeqFor(e.State)
}

func SeqFor(s models.JobState) (int, error) {
	switch s {
	case models.JobSubmitted:
		return 0, nil
	case models.JobAccepted:
		return 1, nil
	case models.JobPartial:
		return 2, nil
	case models.JobComplete, models.JobFailed:
		return 3, nil
	}
	return 0, fmt.Errorf("%w: state %q", ErrInvalidEvent, s)
}

// IngestOutcome says what IngestEvent did with an event. None of them are errors.
type IngestOutcome string

const (
	OutcomeApplied     IngestOutcome = "Applied"
	OutcomeDuplicate   IngestOutcome = "DuplicateEvent"
	OutcomeUnknownTask IngestOutcome = "UnknownTask"
)
