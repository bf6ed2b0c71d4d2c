package fanout

import (
	"strings"

	"github.com/stakeordie/emp-job-queue-sub011/internal/domain"
)

// MonitorWants applies the monitor topic filter. An empty topic set means
// "all events". A non-empty set matches when it contains "jobs", the
// event family ("workers" for worker events), or "jobs:<suffix>" where
// suffix is the underscore-tail of the event type.
func MonitorWants(topics map[string]struct{}, t domain.EventType) bool {
	if len(topics) == 0 {
		return true
	}
	if isWorkerEvent(t) {
		_, ok := topics["workers"]
		return ok
	}
	if _, ok := topics["jobs"]; ok {
		return true
	}
	name := string(t)
	if i := strings.LastIndex(name, "_"); i >= 0 {
		if _, ok := topics["jobs:"+name[i+1:]]; ok {
			return true
		}
	}
	return false
}

func isWorkerEvent(t domain.EventType) bool {
	switch t {
	case domain.EventWorkerStatusChanged,
		domain.EventMachineStartup,
		domain.EventMachineStartupStep,
		domain.EventMachineStartupComplete:
		return true
	}
	return false
}
