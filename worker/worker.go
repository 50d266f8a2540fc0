// Package worker drives an engine.Engine through the stage table, observing
// externally supplied break points and reporting status as it goes. It is
// the piece of tankapi meant to run isolated in its own OS process, since it
// hosts arbitrary engine plugin code.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/yandex-tank-api/tankapi/engine"
	"github.com/yandex-tank-api/tankapi/internal/logging"
	"github.com/yandex-tank-api/tankapi/internal/safeexec"
	"github.com/yandex-tank-api/tankapi/session"
	"github.com/yandex-tank-api/tankapi/stage"
)

// lockRetryInterval is how long the Worker backs off between lock
// acquisition attempts when the engine's lock is contended.
const lockRetryInterval = 5 * time.Second

// Worker sequences one session's stages against an engine.Engine.
type Worker struct {
	sessionID string
	dir       string
	eng       engine.Engine
	actions   *engine.Registry
	breaks    BreakSource
	sink      StatusSink
	cancel    *CancelToken
	logger    logging.Logger

	breakAt    stage.Stage
	current    stage.Stage
	doneStages map[stage.Stage]bool
	failures   []session.Failure
	retcode    *int
	locked     bool
}

// New builds a Worker for sessionID, rooted at dir, driving eng, reading
// breaks from breaks and emitting status to sink. initialBreak is the break
// the spawning Run command specified; it falls back to stage.Lock (the most
// conservative frontier short of never starting) if invalid.
func New(sessionID, dir string, eng engine.Engine, breaks BreakSource, sink StatusSink, cancel *CancelToken, logger logging.Logger, initialBreak stage.Stage) *Worker {
	if !stage.IsValid(initialBreak) {
		initialBreak = stage.Lock
	}
	w := &Worker{
		sessionID:  sessionID,
		dir:        dir,
		eng:        eng,
		breaks:     breaks,
		sink:       sink,
		cancel:     cancel,
		logger:     logger,
		breakAt:    initialBreak,
		doneStages: make(map[stage.Stage]bool),
	}
	w.actions = w.buildActions()
	return w
}

// buildActions wires the fixed stage table to the engine contract, grounded
// on the same name-keyed registry idiom used for pluggable tool handlers
// elsewhere in tankapi's ancestry, instead of a switch over stage names.
func (w *Worker) buildActions() *engine.Registry {
	r := engine.NewRegistry()
	r.Register(string(stage.Init), func(ctx context.Context) (*int, error) {
		if err := w.eng.LoadConfigs(ctx, []string{filepath.Join(w.dir, "load.yaml")}); err != nil {
			return nil, err
		}
		return nil, w.eng.LoadPlugins(ctx)
	})
	r.Register(string(stage.Lock), func(ctx context.Context) (*int, error) {
		return nil, w.acquireLockWithBackoff(ctx)
	})
	r.Register(string(stage.Configure), func(ctx context.Context) (*int, error) {
		return nil, w.eng.PluginsConfigure(ctx)
	})
	r.Register(string(stage.Prepare), func(ctx context.Context) (*int, error) {
		return nil, w.eng.PluginsPrepareTest(ctx)
	})
	r.Register(string(stage.Start), func(ctx context.Context) (*int, error) {
		return nil, w.eng.PluginsStartTest(ctx)
	})
	r.Register(string(stage.Poll), func(ctx context.Context) (*int, error) {
		return nil, w.eng.WaitForFinish(ctx)
	})
	r.Register(string(stage.End), func(ctx context.Context) (*int, error) {
		rc := w.currentRetCode()
		err := w.eng.PluginsEndTest(ctx, rc)
		nrc := w.eng.RetCode()
		if nrc == 0 {
			nrc = rc
		}
		return &nrc, err
	})
	r.Register(string(stage.PostProcess), func(ctx context.Context) (*int, error) {
		rc := w.currentRetCode()
		return nil, w.eng.PluginsPostProcess(ctx, rc)
	})
	r.Register(string(stage.Unlock), func(ctx context.Context) (*int, error) {
		return nil, w.eng.ReleaseLock(ctx)
	})
	return r
}

func (w *Worker) currentRetCode() int {
	if w.retcode == nil {
		return 0
	}
	return *w.retcode
}

func (w *Worker) acquireLockWithBackoff(ctx context.Context) error {
	for {
		if interrupt := checkInterrupt(w.cancel); interrupt != nil {
			return interrupt
		}
		err := w.eng.GetLock(ctx)
		if err == nil {
			return nil
		}
		w.logger.Warn("lock_contended", "session", w.sessionID, "error", err)
		select {
		case <-time.After(lockRetryInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Run executes the full stage loop and returns the final status message.
func (w *Worker) Run(ctx context.Context) session.StatusMessage {
	for _, st := range stage.NonTerminal() {
		if err := w.waitForBreak(ctx, st); err != nil {
			return w.finish(session.StatusFailed)
		}
		w.current = st
		w.mustEmit(false)

		if w.predecessorSatisfied(st) {
			w.executeStage(ctx, st)
		} else {
			w.recordFailure(st, "skipped")
		}
		w.mustEmit(true)
	}
	w.current = stage.Finished
	final := session.StatusSuccess
	if len(w.failures) > 0 {
		final = session.StatusFailed
	}
	return w.finish(final)
}

func (w *Worker) predecessorSatisfied(st stage.Stage) bool {
	pred, has := stage.Predecessor(st)
	if !has {
		return true
	}
	return w.doneStages[pred]
}

// waitForBreak blocks while st has reached or passed the client-specified
// break frontier, accepting only breaks that advance break_at.
func (w *Worker) waitForBreak(ctx context.Context, st stage.Stage) error {
	for !stage.IsEarlier(st, w.breakAt) {
		next, err := w.breaks.NextBreak(ctx)
		if err != nil {
			return err
		}
		if !stage.IsValid(next) || stage.IsEarlier(next, w.breakAt) {
			w.logger.Warn("break_rejected_non_advancing", "session", w.sessionID, "requested", next, "current", w.breakAt)
			continue
		}
		w.breakAt = next
	}
	return nil
}

func (w *Worker) executeStage(ctx context.Context, st stage.Stage) {
	err := safeexec.Call(w.logger, string(st), func() error {
		if interrupt := checkInterrupt(w.cancel); interrupt != nil {
			return interrupt
		}
		rc, actionErr := w.actions.Execute(ctx, string(st))
		if rc != nil {
			w.retcode = rc
		}
		if actionErr != nil {
			return actionErr
		}
		if interrupt := checkInterrupt(w.cancel); interrupt != nil {
			return interrupt
		}
		return nil
	})
	if err == nil {
		w.doneStages[st] = true
		if st == stage.Lock {
			w.locked = true
		}
		return
	}

	w.setFailureRetCode()

	var interrupt *InterruptError
	if errors.As(err, &interrupt) {
		w.recordFailure(st, "Interrupted")
		if interrupt.RemoveBreak {
			w.breakAt = stage.Finished
		}
		return
	}
	w.recordFailure(st, err.Error())
}

// setFailureRetCode ensures a failed or interrupted stage surfaces a
// non-zero return code, matching the ground-truth worker's
// self.retcode = self.retcode or 1 in its exception handlers.
func (w *Worker) setFailureRetCode() {
	if w.retcode == nil || *w.retcode == 0 {
		one := 1
		w.retcode = &one
	}
}

func (w *Worker) recordFailure(st stage.Stage, reason string) {
	w.failures = append(w.failures, session.Failure{Stage: st, Reason: reason})
}

// statusFor builds the externally-visible status for the current state,
// applying the "prepared" shaping rule: reaching the end of prepare while
// held at the start break reads as a distinct status so clients can
// distinguish "waiting to be told to start" from an ordinary running stage.
func (w *Worker) statusFor(completed bool, terminal session.Status) session.Status {
	if terminal != "" {
		return terminal
	}
	if w.breakAt == stage.Start && w.current == stage.Prepare && completed {
		return session.StatusPrepared
	}
	return session.StatusRunning
}

func (w *Worker) mustEmit(completed bool) {
	w.emit(completed, "")
}

func (w *Worker) finish(final session.Status) session.StatusMessage {
	w.current = stage.Finished
	return w.emit(true, final)
}

func (w *Worker) emit(completed bool, terminal session.Status) session.StatusMessage {
	msg := session.StatusMessage{
		Session:        w.sessionID,
		CurrentStage:   w.current,
		StageCompleted: completed,
		Break:          w.breakAt,
		Status:         w.statusFor(completed, terminal),
		Failures:       append([]session.Failure(nil), w.failures...),
		RetCode:        w.retcode,
		TankStatus:     w.eng.Status(),
	}
	if err := w.sink.Emit(msg); err != nil {
		w.logger.Error("status_emit_failed", "session", w.sessionID, "error", err)
	}
	if w.locked {
		if err := writeStatusFile(w.dir, msg); err != nil {
			w.logger.Error("status_file_write_failed", "session", w.sessionID, "error", err)
		}
	}
	return msg
}

// writeStatusFile persists msg to status.json atomically: write to a temp
// file in the same directory, then rename over the target, so a reader
// never observes a partially-written file.
func writeStatusFile(dir string, msg session.StatusMessage) error {
	b, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	target := filepath.Join(dir, "status.json")
	tmp, err := os.CreateTemp(dir, ".status.json.tmp-*")
	if err != nil {
		return fmt.Errorf("create temp status file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp status file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp status file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename status file: %w", err)
	}
	return nil
}
