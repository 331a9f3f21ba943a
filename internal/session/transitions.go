package session

import "github.com/wallfleet/wallsync/internal/models"

// sessionTransitions is the explicit lifecycle table. Illegal transitions are
// rejected rather than inferred from field combinations.
var sessionTransitions = map[models.SessionStatus][]models.SessionStatus{
	models.SessionCreated:   {models.SessionStarting, models.SessionRunning, models.SessionStopped, models.SessionErrored},
	models.SessionStarting:  {models.SessionWarmingUp, models.SessionRunning, models.SessionStopped, models.SessionErrored},
	models.SessionWarmingUp: {models.SessionRunning, models.SessionStopped, models.SessionErrored},
	models.SessionRunning:   {models.SessionStopped, models.SessionErrored},
	models.SessionStopped:   {},
	models.SessionErrored:   {},
}

// CanTransition reports whether a session may move from one status to another.
func CanTransition(from, to models.SessionStatus) bool {
	for _, next := range sessionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// runningEligible lists the states from which the first PLAYING report
// promotes the session to RUNNING.
var runningEligible = []models.SessionStatus{
	models.SessionCreated,
	models.SessionStarting,
	models.SessionWarmingUp,
}

var deviceRank = map[models.DeviceSyncStatus]int{
	models.DeviceAssigned:   1,
	models.DevicePreloading: 2,
	models.DeviceReady:      3,
	models.DeviceWarmingUp:  4,
	models.DevicePlaying:    5,
}

// DeviceCanTransition reports whether a per-device status change is legal.
// Transitions are monotonic forward, with three exceptions: any state may
// drop to ERRORED or DISCONNECTED, a device may rewind to PRELOADING or
// READY on resync, and a disconnected or errored device may re-enter the
// pipeline when it comes back.
func DeviceCanTransition(from, to models.DeviceSyncStatus) bool {
	if from == to {
		return true
	}
	if to == models.DeviceErrored || to == models.DeviceDisconnected {
		return true
	}
	if from == models.DeviceDisconnected || from == models.DeviceErrored {
		_, ok := deviceRank[to]
		return ok
	}
	fr, fok := deviceRank[from]
	tr, tok := deviceRank[to]
	if !fok || !tok {
		return false
	}
	if tr > fr {
		return true
	}
	// Backward only on resync.
	return to == models.DevicePreloading || to == models.DeviceReady
}
