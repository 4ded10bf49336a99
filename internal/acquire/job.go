package acquire

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// State is a job's lifecycle position.
type State string

const (
	StatePending    State = "pending"
	StateAttempting State = "attempting"
	StateValidating State = "validating"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// A job only reaches completed through validating.
var transitions = map[State][]State{
	StatePending:    {StateAttempting, StateFailed},
	StateAttempting: {StateAttempting, StateValidating, StateFailed},
	StateValidating: {StateAttempting, StateCompleted, StateFailed},
}

// Job is one download request for one URL. It is owned by a single
// Acquire call.
type Job struct {
	URL      string
	Quality  Quality
	Filename string
	State    State
	Attempts int
}

func newJob(url string, q Quality, filename string) *Job {
	return &Job{URL: url, Quality: q, Filename: filename, State: StatePending}
}

func (j *Job) transition(to State) error {
	for _, allowed := range transitions[j.State] {
		if allowed == to {
			j.State = to
			return nil
		}
	}
	return fmt.Errorf("job %s: illegal transition %s -> %s", j.Filename, j.State, to)
}

const maxTitleLen = 50

// SafeTitle keeps letters, digits, spaces, '-' and '_' from a title, caps
// it at 50 runes and replaces spaces with underscores.
func SafeTitle(title string) string {
	var b strings.Builder
	n := 0
	for _, r := range title {
		if n == maxTitleLen {
			break
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '_' {
			b.WriteRune(r)
			n++
		}
	}
	return strings.ReplaceAll(strings.TrimSpace(b.String()), " ", "_")
}

// OutputFilename builds a collision-resistant name:
// <safe title or "video">_<8 hex chars>.mp4. The pipeline swaps the
// extension once the container is known.
func OutputFilename(title string) string {
	base := SafeTitle(title)
	if base == "" {
		base = "video"
	}
	return fmt.Sprintf("%s_%s.mp4", base, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
