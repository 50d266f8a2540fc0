// Command tankworker drives a single test session's stages in its own OS
// process, isolated from the Front-End and Manager so that arbitrary engine
// plugin code cannot bring them down. cmd/tankapi's Manager normally spawns
// this by re-execing itself with the "tankworker" subcommand; this binary
// exists so the same logic can also be deployed or invoked standalone.
package main

import (
	"os"

	"github.com/yandex-tank-api/tankapi/internal/workerproc"
)

func main() {
	os.Exit(workerproc.Run(os.Args[1:]))
}
