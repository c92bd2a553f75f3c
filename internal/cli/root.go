// Package cli implements the openkit-gateway command line: subcommand
// dispatch, process signals, and wiring of the gateway's collaborators.
package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch args[0] {
	case "serve":
		return runServe(ctx, args[1:])
	case "secret":
		return runSecret()
	case "version", "--version", "-v":
		fmt.Println("openkit-gateway", Version)
		return 0
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Printf("unknown command %q\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Println(`openkit-gateway - secure remote access for a local workbench

Pairs remote devices over a one-time link, fronts the local application
with an authenticated reverse proxy, and supervises the tunnel that
makes it reachable.

Usage:
  openkit-gateway serve                  Start the gateway
  openkit-gateway serve --project ID     Override the project binding
  openkit-gateway secret                 Generate a signing secret
  openkit-gateway version                Print version
  openkit-gateway help                   Show this help

Environment Variables:
  OPENKIT_LISTEN              Gateway listen address (default: 127.0.0.1:4466)
  OPENKIT_APP_PORT            Local application port (default: 3000)
  OPENKIT_PROJECT_ID          Project id sessions are bound to (required)
  OPENKIT_USER_ID             User id stamped into sessions
  OPENKIT_USER_EMAIL          User email stamped into sessions
  OPENKIT_SECRET              Master signing secret (required)
  OPENKIT_NGROK_PATH          Tunnel provider binary (default: ngrok)
  OPENKIT_EVENTS_DB           Audit event database path
  OPENKIT_AGENT_SCOPES        Scopes allowed to attach remotely
  OPENKIT_PAIRING_RATE_LIMIT  Rate-limit pairing attempts (default: true)
  OPENKIT_LOG_LEVEL           Log level: debug|info|warn|error`)
}
