package worker_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yandex-tank-api/tankapi/internal/logging"
	"github.com/yandex-tank-api/tankapi/session"
	"github.com/yandex-tank-api/tankapi/stage"
	"github.com/yandex-tank-api/tankapi/worker"
)

// fakeEngine implements engine.Engine with overridable hooks; every method
// defaults to a no-op success so tests only set what they care about.
type fakeEngine struct {
	status           string
	retcode          int
	onWaitForFinish  func() error
	onPluginsEndTest func(rc int) error

	endTestCalls     int
	releaseLockCalls int
}

func (f *fakeEngine) LoadConfigs(ctx context.Context, paths []string) error { return nil }
func (f *fakeEngine) LoadPlugins(ctx context.Context) error                { return nil }
func (f *fakeEngine) GetLock(ctx context.Context) error                    { return nil }
func (f *fakeEngine) ReleaseLock(ctx context.Context) error {
	f.releaseLockCalls++
	return nil
}
func (f *fakeEngine) PluginsConfigure(ctx context.Context) error   { return nil }
func (f *fakeEngine) PluginsPrepareTest(ctx context.Context) error { return nil }
func (f *fakeEngine) PluginsStartTest(ctx context.Context) error   { return nil }
func (f *fakeEngine) WaitForFinish(ctx context.Context) error {
	if f.onWaitForFinish != nil {
		return f.onWaitForFinish()
	}
	return nil
}
func (f *fakeEngine) PluginsEndTest(ctx context.Context, rc int) error {
	f.endTestCalls++
	if f.onPluginsEndTest != nil {
		return f.onPluginsEndTest(rc)
	}
	return nil
}
func (f *fakeEngine) PluginsPostProcess(ctx context.Context, rc int) error { return nil }
func (f *fakeEngine) AddArtifactFile(path string)                         {}
func (f *fakeEngine) Status() string                                      { return f.status }
func (f *fakeEngine) RetCode() int                                        { return f.retcode }

// fakeBreaks replays a fixed sequence of breaks, erroring if exhausted.
type fakeBreaks struct {
	queue []stage.Stage
}

func (b *fakeBreaks) NextBreak(ctx context.Context) (stage.Stage, error) {
	if len(b.queue) == 0 {
		return "", errors.New("fakeBreaks: exhausted")
	}
	next := b.queue[0]
	b.queue = b.queue[1:]
	return next, nil
}

// recordingSink captures every emitted status in order.
type recordingSink struct {
	messages []session.StatusMessage
}

func (s *recordingSink) Emit(msg session.StatusMessage) error {
	s.messages = append(s.messages, msg)
	return nil
}

func TestWorkerHappyPath(t *testing.T) {
	eng := &fakeEngine{status: "finished"}
	sink := &recordingSink{}
	w := worker.New("s1", t.TempDir(), eng, &fakeBreaks{}, sink, worker.NewCancelToken(), logging.Noop(), stage.Finished)

	final := w.Run(context.Background())

	assert.Equal(t, session.StatusSuccess, final.Status)
	assert.Equal(t, stage.Finished, final.CurrentStage)
	assert.Empty(t, final.Failures)
	require.NotEmpty(t, sink.messages)
}

func TestWorkerPreparedHoldThenAdvance(t *testing.T) {
	eng := &fakeEngine{}
	sink := &recordingSink{}
	breaks := &fakeBreaks{queue: []stage.Stage{stage.Finished}}
	w := worker.New("s2", t.TempDir(), eng, breaks, sink, worker.NewCancelToken(), logging.Noop(), stage.Start)

	final := w.Run(context.Background())

	var sawPrepared bool
	for _, m := range sink.messages {
		if m.Status == session.StatusPrepared {
			sawPrepared = true
			assert.Equal(t, stage.Prepare, m.CurrentStage)
			assert.True(t, m.StageCompleted)
		}
	}
	assert.True(t, sawPrepared, "expected a prepared status message")
	assert.Equal(t, session.StatusSuccess, final.Status)
}

func TestWorkerSoftInterruptPreservesTeardown(t *testing.T) {
	cancel := worker.NewCancelToken()
	eng := &fakeEngine{
		onWaitForFinish: func() error {
			cancel.Raise(worker.CancelSoft)
			return nil
		},
	}
	sink := &recordingSink{}
	w := worker.New("s3", t.TempDir(), eng, &fakeBreaks{}, sink, cancel, logging.Noop(), stage.Finished)

	final := w.Run(context.Background())

	require.Len(t, final.Failures, 1)
	assert.Equal(t, stage.Poll, final.Failures[0].Stage)
	assert.Equal(t, "Interrupted", final.Failures[0].Reason)
	assert.Equal(t, session.StatusFailed, final.Status)
	require.NotNil(t, final.RetCode)
	assert.Equal(t, 1, *final.RetCode)

	// The interrupt must be one-shot: end and unlock are teardown stages
	// that run after poll is interrupted, and their actual engine calls
	// (not just an emitted status frame) must have executed rather than
	// being skipped by a stale, still-raised token.
	assert.Equal(t, 1, eng.endTestCalls, "end's engine action should run exactly once after a soft interrupt")
	assert.Equal(t, 1, eng.releaseLockCalls, "unlock's engine action should run exactly once after a soft interrupt")
}

func TestWorkerHardInterruptPreservesTeardown(t *testing.T) {
	cancel := worker.NewCancelToken()
	eng := &fakeEngine{
		onWaitForFinish: func() error {
			cancel.Raise(worker.CancelHard)
			return nil
		},
	}
	sink := &recordingSink{}
	w := worker.New("s5", t.TempDir(), eng, &fakeBreaks{}, sink, cancel, logging.Noop(), stage.Finished)

	final := w.Run(context.Background())

	require.Len(t, final.Failures, 1)
	assert.Equal(t, stage.Poll, final.Failures[0].Stage)
	assert.Equal(t, stage.Finished, final.Break, "a hard interrupt forces break_at to finished")
	assert.Equal(t, 1, eng.endTestCalls, "end's engine action should run exactly once after a hard interrupt")
	assert.Equal(t, 1, eng.releaseLockCalls, "unlock's engine action should run exactly once after a hard interrupt")
}

func TestWorkerSkipsStageWhenPredecessorFailed(t *testing.T) {
	eng := &fakeEngine{
		onPluginsEndTest: func(rc int) error { return errors.New("boom") },
	}
	sink := &recordingSink{}
	w := worker.New("s4", t.TempDir(), eng, &fakeBreaks{}, sink, worker.NewCancelToken(), logging.Noop(), stage.Finished)

	final := w.Run(context.Background())

	var endFailure, postSkipped bool
	for _, f := range final.Failures {
		if f.Stage == stage.End {
			endFailure = true
		}
		if f.Stage == stage.PostProcess && f.Reason == "skipped" {
			postSkipped = true
		}
	}
	assert.True(t, endFailure)
	assert.True(t, postSkipped)
	assert.Equal(t, session.StatusFailed, final.Status)
}
