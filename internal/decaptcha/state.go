package decaptcha

// State is a step of the challenge solve pipeline.
type State int

// Pipeline states in transition order.
const (
	StateStart State = iota
	StateLocateArtifact
	StateFetchImage
	StateSolving
	StateSubmitting
	StateVerifying
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateStart:          "start",
	StateLocateArtifact: "locate_artifact",
	StateFetchImage:     "fetch_image",
	StateSolving:        "solving",
	StateSubmitting:     "submitting",
	StateVerifying:      "verifying",
	StateDone:           "done",
	StateFailed:         "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether the pipeline stops in this state.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}
