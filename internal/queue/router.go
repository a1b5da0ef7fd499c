package queue

// Lane names, in the order workers drain them.
const (
	LaneHigh    = "high"
	LaneDefault = "default"
	LaneLow     = "low"
)

// Lanes lists every lane from highest to lowest priority.
var Lanes = []string{LaneHigh, LaneDefault, LaneLow}

// Route maps a job priority onto a lane.
func Route(priority int) string {
	switch {
	case priority >= 8:
		return LaneHigh
	case priority <= 3:
		return LaneLow
	default:
		return LaneDefault
	}
}

func validLane(lane string) bool {
	for _, l := range Lanes {
		if l == lane {
			return true
		}
	}
	return false
}
