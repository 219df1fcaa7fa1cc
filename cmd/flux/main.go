// Command flux is Flux's single entrypoint: it runs the orchestrator server, runs a
// worker, or acts as a thin CLI client against a running server, per spec.md §6's
// command table. It stays thin deliberately — every behavior lives in internal
// packages; main.go only parses arguments and wires dependencies together, the same
// division services/orchestrator/main.go and services/control-plane/main.go draw
// between bootstrap code and service logic.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "start":
		err = runStart(os.Args[2:])
	case "workflow":
		err = runWorkflow(os.Args[2:])
	case "secrets":
		err = runSecrets(os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		return
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "flux:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  flux start server
  flux start worker
  flux workflow register <file>
  flux workflow run <name> <json-input> [--mode sync|async|stream] [--version v]
  flux workflow resume <name> <execution_id> <json-input> [--mode sync|async|stream]
  flux workflow status <name> <execution_id> [--detailed]
  flux secrets {set,get,list,remove,rotate} ...
  flux token issue <worker-name>`)
}
