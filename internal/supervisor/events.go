package supervisor

import (
	"encoding/json"
	"fmt"
)

// Worker processes report lifecycle events as single-line JSON objects on
// stdout. Anything that does not parse as a known event is treated as a
// plain log line.
const (
	eventReady     = "ready"
	eventHeartbeat = "heartbeat"
	eventMetrics   = "metrics"
)

// Metrics is a resource usage sample reported by a worker.
type Metrics struct {
	MemoryRSS       uint64
	HeapTotal       uint64
	HeapUsed        uint64
	CPUUserMicros   uint64
	CPUSystemMicros uint64
}

type workerEvent struct {
	Type   string `json:"type"`
	Memory *struct {
		RSS       uint64 `json:"rss"`
		HeapTotal uint64 `json:"heapTotal"`
		HeapUsed  uint64 `json:"heapUsed"`
	} `json:"memory"`
	CPU *struct {
		User   uint64 `json:"user"`
		System uint64 `json:"system"`
	} `json:"cpu"`
}

// parseEvent decodes a worker stdout line. A nil event with nil error means
// the line is not an event at all (plain log output).
func parseEvent(line []byte) (*workerEvent, error) {
	if len(line) == 0 || line[0] != '{' {
		return nil, nil
	}
	var ev workerEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, nil
	}
	switch ev.Type {
	case eventReady, eventHeartbeat, eventMetrics:
		return &ev, nil
	case "":
		return nil, nil
	default:
		return nil, fmt.Errorf("supervisor: unknown event type %q", ev.Type)
	}
}

func (ev *workerEvent) metrics() Metrics {
	var m Metrics
	if ev.Memory != nil {
		m.MemoryRSS = ev.Memory.RSS
		m.HeapTotal = ev.Memory.HeapTotal
		m.HeapUsed = ev.Memory.HeapUsed
	}
	if ev.CPU != nil {
		m.CPUUserMicros = ev.CPU.User
		m.CPUSystemMicros = ev.CPU.System
	}
	return m
}
