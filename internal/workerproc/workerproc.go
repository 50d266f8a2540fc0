// Package workerproc implements the tankworker subcommand: it is the code
// that actually runs inside the isolated Worker OS process, reading breaks
// from stdin and writing status to stdout.
package workerproc

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yandex-tank-api/tankapi/engine/shellengine"
	"github.com/yandex-tank-api/tankapi/internal/logging"
	"github.com/yandex-tank-api/tankapi/internal/safeexec"
	"github.com/yandex-tank-api/tankapi/session"
	"github.com/yandex-tank-api/tankapi/stage"
	"github.com/yandex-tank-api/tankapi/worker"
)

// Run parses args (the argv after the "tankworker" subcommand name), drives
// one session to completion, and returns the process exit code: 0 if the
// session ended successfully, 1 otherwise. It never itself calls os.Exit,
// so it stays testable.
func Run(args []string) int {
	fs := flag.NewFlagSet("tankworker", flag.ContinueOnError)
	sessionID := fs.String("session", "", "session id")
	dir := fs.String("dir", "", "session working directory")
	initialBreak := fs.String("break", string(stage.Lock), "initial break")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, "tankworker: ", err)
		return 1
	}
	if *sessionID == "" || *dir == "" {
		fmt.Fprintln(os.Stderr, "tankworker: -session and -dir are required")
		return 1
	}

	logger := logging.New(os.Getenv("TANKAPI_DEBUG") != "")
	cancel := worker.NewCancelToken()

	done := make(chan struct{})
	defer close(done)
	safeexec.Go(logger, "tankworker_signal_watch", func() {
		watchSignals(done, cancel)
	}, nil)

	ipc := worker.NewFramedIPC(os.Stdin, os.Stdout)
	eng := shellengine.New(*dir, logger)

	w := worker.New(*sessionID, *dir, eng, ipc, ipc, cancel, logger, stage.Stage(*initialBreak))
	final := w.Run(context.Background())

	if final.Status != session.StatusSuccess {
		return 1
	}
	return 0
}

// watchSignals escalates the cancel token as signals arrive: SIGINT raises
// a soft interrupt (teardown stages still run), SIGTERM raises a hard one
// (break_at is forced to Finished). done stops the watch once Run's stage
// loop has returned.
func watchSignals(done <-chan struct{}, cancel *worker.CancelToken) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	for {
		select {
		case <-done:
			return
		case sig := <-sigCh:
			if sig == syscall.SIGTERM {
				cancel.Raise(worker.CancelHard)
			} else {
				cancel.Raise(worker.CancelSoft)
			}
		}
	}
}
