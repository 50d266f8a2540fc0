package httpapi

import (
	"sync"
	"time"

	"github.com/yandex-tank-api/tankapi/session"
	"github.com/yandex-tank-api/tankapi/stage"
)

// sessionView is the Front-End's in-memory projection of every session it
// has seen, assimilated continuously from the webserver_queue rather than
// drained once per request, which keeps it at least as fresh as the
// original's per-request drain while being simpler to reason about.
type sessionView struct {
	mu                sync.Mutex
	sessions          map[string]session.StatusMessage
	runningID         string
	heartbeatDeadline time.Time
}

func newSessionView() *sessionView {
	return &sessionView{sessions: make(map[string]session.StatusMessage)}
}

// assimilate applies one status update, clearing runningID once a session
// reaches a terminal status.
func (v *sessionView) assimilate(msg session.StatusMessage) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sessions[msg.Session] = msg
	if msg.Status.Terminal() {
		if v.runningID == msg.Session {
			v.runningID = ""
		}
		return
	}
	v.runningID = msg.Session
}

// installStarting records a freshly admitted session before its first real
// status frame has arrived, so /status never 404s between admission and the
// Worker's first report.
func (v *sessionView) installStarting(id string, heartbeat time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sessions[id] = session.StatusMessage{Session: id, Status: session.StatusStarting, CurrentStage: stage.Init}
	v.runningID = id
	v.heartbeatDeadline = time.Now().Add(heartbeat)
}

func (v *sessionView) touchHeartbeat(heartbeat time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.heartbeatDeadline = time.Now().Add(heartbeat)
}

// touchHeartbeatIfRunning resets the heartbeat deadline only if id is the
// currently running session, so any request that touches a live session
// (not just /run) keeps it from being reaped out from under an active
// client.
func (v *sessionView) touchHeartbeatIfRunning(id string, heartbeat time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.runningID == "" || v.runningID != id {
		return
	}
	v.heartbeatDeadline = time.Now().Add(heartbeat)
}

func (v *sessionView) get(id string) (session.StatusMessage, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.sessions[id]
	return s, ok
}

func (v *sessionView) all() map[string]session.StatusMessage {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]session.StatusMessage, len(v.sessions))
	for k, s := range v.sessions {
		out[k] = s
	}
	return out
}

func (v *sessionView) running() (session.StatusMessage, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.runningID == "" {
		return session.StatusMessage{}, false
	}
	s, ok := v.sessions[v.runningID]
	return s, ok
}

func (v *sessionView) expiredHeartbeat() (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.runningID == "" || v.heartbeatDeadline.IsZero() {
		return "", false
	}
	if time.Now().After(v.heartbeatDeadline) {
		return v.runningID, true
	}
	return "", false
}

// anyPrePostprocess reports whether any known non-terminal session has not
// yet reached postprocess, scoped across every session the view knows
// about, matching the original artifact handler's all-sessions scan.
func (v *sessionView) anyPrePostprocess() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, s := range v.sessions {
		if !s.Status.Terminal() && stage.IsEarlier(s.CurrentStage, stage.PostProcess) {
			return true
		}
	}
	return false
}
