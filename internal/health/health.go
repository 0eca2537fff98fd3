package health

import (
	"time"

	"github.com/g960059/posguard/internal/backend"
	"github.com/g960059/posguard/internal/model"
)

// Classify maps a health probe result to a status. Any HTTP answer outside
// 2xx counts as a server fault; no answer at all is a network failure.
func Classify(err error) model.HealthStatus {
	if err == nil {
		return model.HealthReachable
	}
	if _, ok := backend.AsRequestError(err); ok {
		return model.HealthServerFault
	}
	return model.HealthNetworkFailure
}

type Thresholds struct {
	DownFailures     int
	RecoverSuccesses int
}

// State is the smoothed indicator shown next to the mode. It never decides
// whether to offer contingency.
type State struct {
	Last                 model.HealthStatus
	Level                model.HealthLevel
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastTransitionAt     time.Time
	CheckedAt            time.Time
}

func Next(th Thresholds, state State, status model.HealthStatus, now time.Time) State {
	if state.Level == "" {
		state.Level = model.HealthLevelOK
	}
	if state.LastTransitionAt.IsZero() {
		state.LastTransitionAt = now
	}
	state.Last = status
	state.CheckedAt = now

	if !status.Failed() {
		state.ConsecutiveSuccesses++
		state.ConsecutiveFailures = 0
		if state.Level != model.HealthLevelOK && state.ConsecutiveSuccesses >= th.RecoverSuccesses {
			state.Level = model.HealthLevelOK
			state.LastTransitionAt = now
		}
		return state
	}

	state.ConsecutiveFailures++
	state.ConsecutiveSuccesses = 0
	switch state.Level {
	case model.HealthLevelOK:
		state.Level = model.HealthLevelDegraded
		state.LastTransitionAt = now
	case model.HealthLevelDegraded:
		if state.ConsecutiveFailures >= th.DownFailures {
			state.Level = model.HealthLevelDown
			state.LastTransitionAt = now
		}
	case model.HealthLevelDown:
		// stays down until enough probes succeed
	}
	return state
}
