package protocol

import "time"

// VoiceStatus is published by each voice supervisor on its heartbeat subject.
type VoiceStatus struct {
	Voice     string    `json:"voice"`
	Generator string    `json:"generator"`
	State     string    `json:"state"`
	Cycles    int64     `json:"cycles"`
	Failures  int64     `json:"failures"`
	Timestamp time.Time `json:"timestamp"`
}

// NodeHeartbeat is published by every process attached to the bus.
type NodeHeartbeat struct {
	NodeID    string    `json:"node_id"`
	Role      string    `json:"role"`
	Timestamp time.Time `json:"timestamp"`
}

// CycleReport summarizes one finished render cycle.
type CycleReport struct {
	Voice    string        `json:"voice"`
	Cycle    int64         `json:"cycle"`
	Digest   string        `json:"digest,omitempty"`
	Chunks   int           `json:"chunks"`
	Frames   int           `json:"frames"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

const (
	SubjectNodeHeartbeatPrefix  = "ctrl.node.heartbeat"
	SubjectVoiceHeartbeatPrefix = "ctrl.voice.heartbeat"
	SubjectVoiceCyclePrefix     = "voice.cycle"
)
