// Package session defines the wire and in-memory schema shared by the
// Front-End, Manager and Worker: sessions, statuses, failures and the
// command/status/break messages exchanged between actors.
package session

import "github.com/yandex-tank-api/tankapi/stage"

// Status is the externally visible state of a session.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusPrepared Status = "prepared"
)

// Terminal reports whether the status is final; a session in a terminal
// status is eligible to be reset, freeing the host for the next run.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Failure records one stage that did not complete cleanly.
type Failure struct {
	Stage  stage.Stage `json:"stage"`
	Reason string      `json:"reason"`
}

// StatusMessage is what the Worker reports and the Manager/Front-End relay;
// it is also the exact shape persisted to status.json.
type StatusMessage struct {
	Session        string      `json:"session"`
	CurrentStage   stage.Stage `json:"current_stage"`
	StageCompleted bool        `json:"stage_completed"`
	Break          stage.Stage `json:"break"`
	Status         Status      `json:"status"`
	Failures       []Failure   `json:"failures"`
	RetCode        *int        `json:"retcode,omitempty"`
	TankStatus     string      `json:"tank_status,omitempty"`
}

// Clone returns a deep-enough copy of m safe to hand to a different goroutine
// or persist, since Failures is mutated by append elsewhere.
func (m StatusMessage) Clone() StatusMessage {
	out := m
	out.Failures = append([]Failure(nil), m.Failures...)
	return out
}

// BreakMessage is sent from Manager to Worker to advance the break frontier.
type BreakMessage struct {
	Break stage.Stage `json:"break"`
}

// RunCommand starts a new session (Config non-nil) or advances the break of
// an existing one (Config nil).
type RunCommand struct {
	Session string
	Break   stage.Stage
	Config  []byte // nil means "advance existing session", non-nil means "new session"
}

// StopCommand requests that a session be torn down.
type StopCommand struct {
	Session string
}
