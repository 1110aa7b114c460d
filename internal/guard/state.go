package guard

import (
	"time"
)

// Phase names the outcome of one iteration.
type Phase string

const (
	PhaseAbsent             Phase = "absent"
	PhaseSingleAuthorized   Phase = "single_authorized"
	PhaseSingleUnauthorized Phase = "single_unauthorized"
	PhaseMultiple           Phase = "multiple"
	PhaseCompanionMissing   Phase = "companion_missing"
	PhaseReadFailed         Phase = "read_failed"
)

// Policy is the decision-relevant slice of the configuration.
type Policy struct {
	MatchTolerance        float64
	AbsenceTimeout        time.Duration
	IdentityCheckInterval int
}

// Decision is what one iteration concluded. Wait is filled in by the Guard.
type Decision struct {
	Phase    Phase
	Lock     bool
	Reason   string
	Faces    int
	Checked  bool     // identity matching ran this iteration
	Distance *float64 // set when a distance was computed
	Err      error    // embedding failure, if any
	Wait     time.Duration
}

// State is owned by the loop goroutine.
type State struct {
	policy   Policy
	lastSeen time.Time
	index    int
}

// NewState starts the absence clock at start.
func NewState(policy Policy, start time.Time) *State {
	if policy.IdentityCheckInterval < 1 {
		policy.IdentityCheckInterval = 1
	}
	return &State{policy: policy, lastSeen: start}
}

func (s *State) LastSeen() time.Time { return s.lastSeen }

// Evaluate applies the face rules for one frame. identify is called at most
// once, and only for a sampled single-face frame.
func (s *State) Evaluate(now time.Time, faces int, identify func() (float64, error)) Decision {
	switch {
	case faces > 1:
		return Decision{Phase: PhaseMultiple, Lock: true, Faces: faces, Reason: "Multiple faces detected -> locking"}

	case faces == 0:
		// lastSeen stays put so an absent user keeps getting locked.
		if now.Sub(s.lastSeen) >= s.policy.AbsenceTimeout {
			return Decision{Phase: PhaseAbsent, Lock: true, Reason: "No faces for timeout -> locking"}
		}
		return Decision{Phase: PhaseAbsent, Reason: "No face seen yet; waiting for timeout..."}
	}

	d := Decision{Phase: PhaseSingleUnauthorized, Lock: true, Faces: 1}
	sampled := s.index%s.policy.IdentityCheckInterval == 0
	s.index++

	if !sampled {
		d.Reason = "Identity check skipped on this frame -> locking"
		return d
	}

	d.Checked = true
	dist, err := identify()
	if err != nil {
		d.Err = err
		d.Reason = "Could not compute encoding on this frame; treating as unauthorized -> locking"
		return d
	}
	d.Distance = &dist
	if dist <= s.policy.MatchTolerance {
		s.lastSeen = now
		d.Phase = PhaseSingleAuthorized
		d.Lock = false
		d.Reason = "Authorized face present, all good"
		return d
	}
	d.Reason = "Single face not authorized -> locking"
	return d
}
