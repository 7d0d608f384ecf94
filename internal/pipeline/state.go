package pipeline

// State is a step of the verification state machine. A run moves strictly
// forward through the states in declaration order, or jumps to Failed.
type State int

const (
	StateInit State = iota
	StateImagesLoaded
	StateFacesDetected
	StateQualityChecked
	StateDistanceComputed
	StateArtifactsExtracted
	StateOverlaysRendered
	StateReportAssembled
	StatePersisted
	StateDone
	StateFailed
)

var stateNames = [...]string{
	"init",
	"images_loaded",
	"faces_detected",
	"quality_checked",
	"distance_computed",
	"artifacts_extracted",
	"overlays_rendered",
	"report_assembled",
	"persisted",
	"done",
	"failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}
