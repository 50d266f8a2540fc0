// Package manager implements the single coordinating event loop that owns
// session identity, relays commands to the Worker process, and relays
// status back to the Front-End.
package manager

import "github.com/yandex-tank-api/tankapi/session"

// Inbound is the tagged union multiplexed onto the manager's inbound queue:
// commands arriving from the Front-End and status arriving from the active
// Worker share one FIFO so the Manager can remain a single goroutine with a
// single select loop, per the channel abstraction's multiplexing design.
// Exactly one field is non-nil.
type Inbound struct {
	Run    *session.RunCommand
	Stop   *session.StopCommand
	Status *session.StatusMessage

	// exited is an internal marker the manager package uses to fold
	// worker-liveness detection into the same dispatch loop; it is not
	// constructible from outside the package.
	exited *workerExited
}

// RunInbound wraps a RunCommand for the manager queue.
func RunInbound(c session.RunCommand) Inbound { return Inbound{Run: &c} }

// StopInbound wraps a StopCommand for the manager queue.
func StopInbound(c session.StopCommand) Inbound { return Inbound{Stop: &c} }

// StatusInbound wraps a worker StatusMessage for the manager queue.
func StatusInbound(s session.StatusMessage) Inbound { return Inbound{Status: &s} }
