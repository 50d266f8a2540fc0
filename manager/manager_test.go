package manager_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yandex-tank-api/tankapi/internal/logging"
	"github.com/yandex-tank-api/tankapi/manager"
	"github.com/yandex-tank-api/tankapi/queue"
	"github.com/yandex-tank-api/tankapi/session"
	"github.com/yandex-tank-api/tankapi/stage"
)

type fakeRunner struct {
	statuses  chan session.StatusMessage
	alive     bool
	exitCode  int
	breaks    []stage.Stage
	startErr  error
	onStart   func(sessionID, dir string, b stage.Stage)
	interrupt []bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{statuses: make(chan session.StatusMessage, 8), alive: true}
}

func (r *fakeRunner) Start(ctx context.Context, sessionID, dir string, initialBreak stage.Stage) error {
	if r.startErr != nil {
		return r.startErr
	}
	if r.onStart != nil {
		r.onStart(sessionID, dir, initialBreak)
	}
	return nil
}
func (r *fakeRunner) SendBreak(b stage.Stage) error {
	r.breaks = append(r.breaks, b)
	return nil
}
func (r *fakeRunner) Statuses() <-chan session.StatusMessage { return r.statuses }
func (r *fakeRunner) Alive() bool                            { return r.alive }
func (r *fakeRunner) ExitCode() (int, bool)                  { return r.exitCode, !r.alive }
func (r *fakeRunner) Interrupt(hard bool) error {
	r.interrupt = append(r.interrupt, hard)
	return nil
}
func (r *fakeRunner) Wait() error { return nil }

func newTestManager(t *testing.T, runner *fakeRunner) (*manager.Manager, *queue.Queue[manager.Inbound], *queue.Queue[session.StatusMessage]) {
	t.Helper()
	cfg := manager.DefaultConfig(t.TempDir())
	cfg.LivenessPollInterval = 20 * time.Millisecond
	cfg.DeathSettleInterval = 10 * time.Millisecond
	inbound := queue.New[manager.Inbound]("manager_in", 16)
	out := queue.New[session.StatusMessage]("webserver_in", 16)
	m := manager.New(cfg, logging.Noop(), func() manager.Runner { return runner }, inbound, out)
	return m, inbound, out
}

func TestManagerStartsSessionAndForwardsStatus(t *testing.T) {
	runner := newFakeRunner()
	m, inbound, out := newTestManager(t, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	require.NoError(t, inbound.Send(ctx, manager.RunInbound(session.RunCommand{
		Session: "s1", Break: stage.Finished, Config: []byte("x: 1"),
	})))

	runner.statuses <- session.StatusMessage{Session: "s1", Status: session.StatusRunning, CurrentStage: stage.Lock}

	msg, err := out.Recv(withTimeout(t))
	require.NoError(t, err)
	assert.Equal(t, "s1", msg.Session)
	assert.Equal(t, session.StatusRunning, msg.Status)
	assert.Equal(t, "s1", m.ActiveSession())
}

func TestManagerRejectsRunWhileActive(t *testing.T) {
	runner := newFakeRunner()
	m, inbound, _ := newTestManager(t, runner)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	require.NoError(t, inbound.Send(ctx, manager.RunInbound(session.RunCommand{Session: "s1", Break: stage.Finished, Config: []byte("x")})))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "s1", m.ActiveSession())

	require.NoError(t, inbound.Send(ctx, manager.RunInbound(session.RunCommand{Session: "s2", Break: stage.Finished, Config: []byte("x")})))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "s1", m.ActiveSession(), "second session must not replace the active one")
}

func TestManagerForwardsBreakToExistingSession(t *testing.T) {
	runner := newFakeRunner()
	m, inbound, _ := newTestManager(t, runner)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	require.NoError(t, inbound.Send(ctx, manager.RunInbound(session.RunCommand{Session: "s1", Break: stage.Start, Config: []byte("x")})))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, inbound.Send(ctx, manager.RunInbound(session.RunCommand{Session: "s1", Break: stage.Finished})))
	time.Sleep(30 * time.Millisecond)

	require.NotEmpty(t, runner.breaks)
	assert.Equal(t, stage.Finished, runner.breaks[len(runner.breaks)-1])
}

func TestManagerStopInterruptsActiveSession(t *testing.T) {
	runner := newFakeRunner()
	m, inbound, _ := newTestManager(t, runner)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	require.NoError(t, inbound.Send(ctx, manager.RunInbound(session.RunCommand{Session: "s1", Break: stage.Finished, Config: []byte("x")})))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, inbound.Send(ctx, manager.StopInbound(session.StopCommand{Session: "s1"})))
	time.Sleep(30 * time.Millisecond)

	require.Len(t, runner.interrupt, 1)
	assert.False(t, runner.interrupt[0], "stop should be a soft interrupt")
}

func TestManagerResetsAfterTerminalStatus(t *testing.T) {
	runner := newFakeRunner()
	m, inbound, out := newTestManager(t, runner)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	require.NoError(t, inbound.Send(ctx, manager.RunInbound(session.RunCommand{Session: "s1", Break: stage.Finished, Config: []byte("x")})))
	time.Sleep(20 * time.Millisecond)
	runner.statuses <- session.StatusMessage{Session: "s1", Status: session.StatusSuccess, CurrentStage: stage.Finished, StageCompleted: true}

	_, err := out.Recv(withTimeout(t))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "", m.ActiveSession())
}

func TestManagerSynthesizesFailureOnWorkerDeath(t *testing.T) {
	runner := newFakeRunner()
	m, inbound, out := newTestManager(t, runner)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	require.NoError(t, inbound.Send(ctx, manager.RunInbound(session.RunCommand{Session: "s1", Break: stage.Finished, Config: []byte("x")})))
	time.Sleep(20 * time.Millisecond)

	// Worker reports running, then dies uncleanly.
	runner.statuses <- session.StatusMessage{Session: "s1", Status: session.StatusRunning, CurrentStage: stage.Poll}
	_, err := out.Recv(withTimeout(t))
	require.NoError(t, err)

	runner.alive = false
	runner.exitCode = 1
	close(runner.statuses)

	msg, err := out.Recv(withTimeoutLong(t))
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, msg.Status)
	require.Len(t, msg.Failures, 1)
	assert.Contains(t, msg.Failures[0].Reason, "Tank died unexpectedly")
}

func TestManagerDisposableModeShutsDownAfterSession(t *testing.T) {
	runner := newFakeRunner()
	cfg := manager.DefaultConfig(t.TempDir())
	cfg.LivenessPollInterval = 20 * time.Millisecond
	cfg.DeathSettleInterval = 10 * time.Millisecond
	cfg.Disposable = true
	inbound := queue.New[manager.Inbound]("manager_in", 16)
	out := queue.New[session.StatusMessage]("webserver_in", 16)
	m := manager.New(cfg, logging.Noop(), func() manager.Runner { return runner }, inbound, out)

	ctx := context.Background()
	require.NoError(t, inbound.Send(ctx, manager.RunInbound(session.RunCommand{Session: "s1", Break: stage.Finished, Config: []byte("x")})))
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	runner.statuses <- session.StatusMessage{Session: "s1", Status: session.StatusSuccess, CurrentStage: stage.Finished, StageCompleted: true}

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, manager.ErrDisposableShutdown))
	case <-time.After(time.Second):
		t.Fatal("manager did not shut down in disposable mode")
	}
}

func withTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)
	return ctx
}

func withTimeoutLong(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}
