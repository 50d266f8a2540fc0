package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/yandex-tank-api/tankapi/internal/logging"
	"github.com/yandex-tank-api/tankapi/internal/safeexec"
	"github.com/yandex-tank-api/tankapi/observability"
	"github.com/yandex-tank-api/tankapi/queue"
	"github.com/yandex-tank-api/tankapi/session"
	"github.com/yandex-tank-api/tankapi/stage"
)

// ErrDisposableShutdown is returned by Run when a disposable-mode Manager
// has finished its one session and is winding down: a sentinel value the
// run loop checks, in place of an exception-driven shutdown.
var ErrDisposableShutdown = errors.New("manager: disposable session complete, shutting down")

// workerExited is an internal marker pushed onto the inbound queue once a
// Worker's stdout stream closes, so liveness handling shares the same
// single-goroutine dispatch loop as commands and status.
type workerExited struct {
	session string
}

// Config controls Manager behavior beyond wiring.
type Config struct {
	TestsDir             string
	Disposable           bool
	LivenessPollInterval time.Duration
	DeathSettleInterval  time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig(testsDir string) Config {
	return Config{
		TestsDir:             testsDir,
		LivenessPollInterval: time.Second,
		DeathSettleInterval:  time.Second,
	}
}

// RunnerFactory builds a fresh Runner for a new session.
type RunnerFactory func() Runner

// Manager is the single coordinating event loop: it owns the identity of
// the active session, the Worker handle, and relays status to the
// Front-End.
type Manager struct {
	cfg     Config
	logger  logging.Logger
	newRun  RunnerFactory
	inbound *queue.Queue[Inbound]
	out     *queue.Queue[session.StatusMessage]

	mu           sync.Mutex
	sessionID    string
	runner       Runner
	lastStatus   session.Status
	sessionStart time.Time
	stageStart   time.Time
	stageStarted stage.Stage
}

// New builds a Manager. inbound multiplexes commands and status (the
// manager_queue); out is the webserver_queue of status updates bound for
// the Front-End.
func New(cfg Config, logger logging.Logger, newRun RunnerFactory, inbound *queue.Queue[Inbound], out *queue.Queue[session.StatusMessage]) *Manager {
	return &Manager{cfg: cfg, logger: logger, newRun: newRun, inbound: inbound, out: out}
}

// Run drives the event loop until ctx is cancelled or, in disposable mode,
// until the one session it runs terminates.
func (m *Manager) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Recv wakes at least every LivenessPollInterval even with nothing
		// queued, which is the Manager's only suspension point (§5); on
		// timeout the loop only re-checks ctx. A dead Worker is reported
		// through the same dispatch loop via the workerExited marker, not
		// by polling Runner.Alive.
		recvCtx, cancel := context.WithTimeout(ctx, m.cfg.LivenessPollInterval)
		msg, err := m.inbound.Recv(recvCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return err
		}

		if shutdown, derr := m.dispatch(ctx, msg); shutdown {
			return derr
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, msg Inbound) (shutdown bool, err error) {
	switch {
	case msg.Run != nil:
		m.handleRun(ctx, *msg.Run)
	case msg.Stop != nil:
		m.handleStop(*msg.Stop)
	case msg.Status != nil:
		return m.handleStatus(*msg.Status)
	case msg.exited != nil:
		return m.handleWorkerExited(*msg.exited)
	}
	return false, nil
}

func (m *Manager) handleRun(ctx context.Context, cmd session.RunCommand) {
	m.mu.Lock()
	active := m.sessionID
	m.mu.Unlock()

	if cmd.Config != nil {
		if active != "" {
			m.logger.Error("protocol_violation", "reason", "run-new while a session is active", "active", active, "requested", cmd.Session)
			return
		}
		m.startSession(ctx, cmd)
		return
	}

	if cmd.Session != active {
		m.logger.Error("protocol_violation", "reason", "run command for unknown session", "active", active, "requested", cmd.Session)
		return
	}
	m.mu.Lock()
	runner := m.runner
	m.mu.Unlock()
	if err := runner.SendBreak(cmd.Break); err != nil {
		m.logger.Error("send_break_failed", "session", cmd.Session, "error", err)
	}
}

func (m *Manager) startSession(ctx context.Context, cmd session.RunCommand) {
	dir := filepath.Join(m.cfg.TestsDir, cmd.Session)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		m.publish(session.StatusMessage{
			Session: cmd.Session, CurrentStage: stage.Finished, StageCompleted: true,
			Status: session.StatusFailed,
			Failures: []session.Failure{{Reason: fmt.Sprintf("Failed to create session directory: %v", err)}},
		})
		return
	}
	if err := os.WriteFile(filepath.Join(dir, "load.yaml"), cmd.Config, 0o644); err != nil {
		m.publish(session.StatusMessage{
			Session: cmd.Session, CurrentStage: stage.Finished, StageCompleted: true,
			Status: session.StatusFailed,
			Failures: []session.Failure{{Reason: fmt.Sprintf("Failed to write session config: %v", err)}},
		})
		return
	}

	runner := m.newRun()
	if err := runner.Start(ctx, cmd.Session, dir, cmd.Break); err != nil {
		m.publish(session.StatusMessage{
			Session: cmd.Session, CurrentStage: stage.Init, StageCompleted: true,
			Status:   session.StatusFailed,
			Failures: []session.Failure{{Stage: stage.Init, Reason: fmt.Sprintf("Failed to start tank: %v", err)}},
		})
		return
	}

	m.mu.Lock()
	m.sessionID = cmd.Session
	m.runner = runner
	m.lastStatus = session.StatusStarting
	m.sessionStart = time.Now()
	m.stageStart = time.Time{}
	m.stageStarted = ""
	m.mu.Unlock()

	safeexec.Go(m.logger, "worker_supervisor", func() {
		m.superviseWorker(ctx, cmd.Session, runner)
	}, nil)
}

// superviseWorker forwards every status frame from runner onto the
// manager's own inbound queue, so status handling, command handling and
// death handling all serialize through the single dispatch loop. Once the
// Worker's stdout closes it queues a workerExited marker after a short
// settle delay, giving any status already in flight time to be dispatched
// first.
func (m *Manager) superviseWorker(ctx context.Context, sessionID string, runner Runner) {
	for msg := range runner.Statuses() {
		_ = m.inbound.Send(ctx, StatusInbound(msg))
	}
	time.Sleep(m.cfg.DeathSettleInterval)
	_ = m.inbound.Send(ctx, Inbound{exited: &workerExited{session: sessionID}})
}

func (m *Manager) handleStop(cmd session.StopCommand) {
	m.mu.Lock()
	active := m.sessionID
	runner := m.runner
	m.mu.Unlock()
	if cmd.Session != active {
		m.logger.Warn("stop_for_inactive_session", "requested", cmd.Session, "active", active)
		return
	}
	if err := runner.Interrupt(false); err != nil {
		m.logger.Error("interrupt_failed", "session", cmd.Session, "error", err)
	}
}

func (m *Manager) handleStatus(msg session.StatusMessage) (shutdown bool, err error) {
	m.mu.Lock()
	m.lastStatus = msg.Status
	sessionStart := m.sessionStart
	if m.stageStarted != msg.CurrentStage {
		m.stageStart = time.Now()
		m.stageStarted = msg.CurrentStage
	}
	stageStart := m.stageStart
	m.mu.Unlock()

	m.publish(msg)

	if msg.StageCompleted {
		outcome := "success"
		for _, f := range msg.Failures {
			if f.Stage == msg.CurrentStage {
				outcome = "failure"
				break
			}
		}
		observability.RecordStageExecution(string(msg.CurrentStage), outcome, time.Since(stageStart))
	}

	if msg.Status.Terminal() {
		observability.RecordSessionOutcome(string(msg.Status), time.Since(sessionStart))
		return m.resetSession()
	}
	return false, nil
}

// handleWorkerExited implements the two-phase worker-death handling: by the
// time this marker reaches dispatch, superviseWorker has already drained
// every status frame the dying Worker managed to emit and waited out the
// settle interval, so lastStatus reflects the Worker's true last word.
func (m *Manager) handleWorkerExited(ev workerExited) (shutdown bool, err error) {
	m.mu.Lock()
	sessionID := m.sessionID
	runner := m.runner
	lastStatus := m.lastStatus
	sessionStart := m.sessionStart
	m.mu.Unlock()
	if ev.session != sessionID || runner == nil {
		return false, nil
	}
	code, _ := runner.ExitCode()
	if lastStatus == session.StatusRunning || code != 0 {
		reason := fmt.Sprintf("Tank died unexpectedly. Last reported status: %s, worker exitcode: %d", lastStatus, code)
		m.publish(session.StatusMessage{
			Session: sessionID, CurrentStage: stage.Finished, StageCompleted: true,
			Status:   session.StatusFailed,
			Failures: []session.Failure{{Reason: reason}},
		})
		observability.RecordSessionOutcome(string(session.StatusFailed), time.Since(sessionStart))
	}
	return m.resetSession()
}

func (m *Manager) resetSession() (shutdown bool, err error) {
	m.mu.Lock()
	m.sessionID = ""
	m.runner = nil
	m.lastStatus = ""
	m.stageStarted = ""
	m.mu.Unlock()
	if m.cfg.Disposable {
		return true, ErrDisposableShutdown
	}
	return false, nil
}

func (m *Manager) publish(msg session.StatusMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.out.Send(ctx, msg); err != nil {
		m.logger.Error("webserver_queue_send_failed", "session", msg.Session, "error", err)
	}
}

// Shutdown hard-interrupts the active session, if any, and waits briefly
// for it to tear down. It subsumes the original design's separate
// "Front-End died" handling: since the Front-End and Manager run as
// goroutines in one process here (see DESIGN.md), a process-level signal
// that would have killed the Front-End hard-interrupts the Worker the same
// way losing the Front-End used to.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	runner := m.runner
	sessionID := m.sessionID
	m.mu.Unlock()
	if runner == nil {
		return nil
	}
	m.logger.Info("manager_shutdown_interrupting_worker", "session", sessionID)
	if err := runner.Interrupt(true); err != nil {
		return err
	}

	waited := make(chan error, 1)
	safeexec.Go(m.logger, "shutdown_wait_worker", func() {
		waited <- runner.Wait()
	}, nil)

	select {
	case err := <-waited:
		return err
	case <-ctx.Done():
		m.logger.Warn("manager_shutdown_wait_timeout", "session", sessionID)
		return ctx.Err()
	}
}

// ActiveSession returns the currently active session id, or "" if none.
func (m *Manager) ActiveSession() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}
