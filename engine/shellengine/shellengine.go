// Package shellengine is a minimal, swappable reference implementation of
// engine.Engine that drives each stage by running an external command. It
// exists so the orchestrator is runnable end-to-end without depending on
// any particular production load-testing runtime.
package shellengine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/yandex-tank-api/tankapi/internal/logging"
)

// Spec is the subset of load.yaml the shell engine understands: one shell
// command per lifecycle hook. Missing hooks are treated as no-ops.
type Spec struct {
	Lock        string `yaml:"lock_cmd"`
	Unlock      string `yaml:"unlock_cmd"`
	Configure   string `yaml:"configure_cmd"`
	Prepare     string `yaml:"prepare_cmd"`
	Start       string `yaml:"start_cmd"`
	Poll        string `yaml:"poll_cmd"`
	End         string `yaml:"end_cmd"`
	PostProcess string `yaml:"postprocess_cmd"`
}

// Engine runs Spec's commands with the working directory set to dir, one at
// a time, shelling out via os/exec and capturing combined output into a log
// file for postmortem inspection.
type Engine struct {
	dir    string
	logger logging.Logger

	mu        sync.Mutex
	spec      Spec
	status    string
	retcode   int
	artifacts []string
}

// New returns a shell-command-driven engine rooted at dir.
func New(dir string, logger logging.Logger) *Engine {
	return &Engine{dir: dir, logger: logger, status: "idle"}
}

func (e *Engine) LoadConfigs(ctx context.Context, configPaths []string) error {
	for _, p := range configPaths {
		b, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("shellengine: read config %s: %w", p, err)
		}
		var s Spec
		if err := yaml.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("shellengine: parse config %s: %w", p, err)
		}
		e.mu.Lock()
		e.spec = s
		e.mu.Unlock()
	}
	return nil
}

func (e *Engine) LoadPlugins(ctx context.Context) error {
	// The shell engine has no plugin system; each hook is just a command.
	return nil
}

func (e *Engine) GetLock(ctx context.Context) error {
	return e.run(ctx, e.spec.Lock)
}

func (e *Engine) ReleaseLock(ctx context.Context) error {
	return e.run(ctx, e.spec.Unlock)
}

func (e *Engine) PluginsConfigure(ctx context.Context) error {
	e.setStatus("configuring")
	return e.run(ctx, e.spec.Configure)
}

func (e *Engine) PluginsPrepareTest(ctx context.Context) error {
	e.setStatus("preparing")
	return e.run(ctx, e.spec.Prepare)
}

func (e *Engine) PluginsStartTest(ctx context.Context) error {
	e.setStatus("running")
	return e.run(ctx, e.spec.Start)
}

func (e *Engine) WaitForFinish(ctx context.Context) error {
	return e.run(ctx, e.spec.Poll)
}

func (e *Engine) PluginsEndTest(ctx context.Context, rc int) error {
	e.setStatus("ending")
	return e.run(ctx, e.spec.End)
}

func (e *Engine) PluginsPostProcess(ctx context.Context, rc int) error {
	e.setStatus("postprocessing")
	return e.run(ctx, e.spec.PostProcess)
}

func (e *Engine) AddArtifactFile(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.artifacts = append(e.artifacts, path)
}

func (e *Engine) Status() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) RetCode() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retcode
}

func (e *Engine) setStatus(s string) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

// run executes cmdline (empty means no-op) under e.dir, appending combined
// output to tank.log.
func (e *Engine) run(ctx context.Context, cmdline string) error {
	if cmdline == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", cmdline)
	cmd.Dir = e.dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()

	logPath := filepath.Join(e.dir, "tank.log")
	f, openErr := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if openErr == nil {
		_, _ = f.Write(out.Bytes())
		_ = f.Close()
	} else if e.logger != nil {
		e.logger.Warn("shellengine_log_open_failed", "path", logPath, "error", openErr)
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		e.mu.Lock()
		e.retcode = exitErr.ExitCode()
		e.mu.Unlock()
		return fmt.Errorf("shellengine: command %q exited %d", cmdline, exitErr.ExitCode())
	}
	if err != nil {
		return fmt.Errorf("shellengine: command %q: %w", cmdline, err)
	}
	e.mu.Lock()
	e.retcode = 0
	e.mu.Unlock()
	return nil
}
