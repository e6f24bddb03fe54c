package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/namsral/flag"

	"github.com/GoCodeAlone/rollout/migration"
)

var version = "dev"

var commands = map[string]func([]string) error{
	"migrate":  runMigrate,
	"split":    runSplit,
	"switch":   runSwitch,
	"rollback": runRollback,
	"deploy":   runDeploy,
	"status":   runStatus,
	"serve":    runServe,
}

func usage() {
	fmt.Fprintf(os.Stderr, `rolloutctl - schema migrations and blue-green traffic control (version %s)

Usage:
  rolloutctl <command> [options]

Commands:
  migrate    Manage schema migrations (up, down, status, validate, create)
  split      Set the traffic split, e.g. "split 80 20" (blue green)
  switch     Shift traffic to the inactive environment (canary or blue-green)
  rollback   Emergency rollback to the standby environment
  deploy     Deploy a version to the inactive environment
  status     Show environments, traffic split and orchestrator phase
  serve      Run the health monitor, orchestrator and admin API

Every option can also be set through the environment as ROLLOUT_<OPTION>,
e.g. ROLLOUT_CONFIG_FILE=/etc/rollout.yaml.

Run 'rolloutctl <command> -h' for command-specific help.
`, version)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	if cmd == "-h" || cmd == "--help" || cmd == "help" {
		usage()
		os.Exit(0)
	}
	if cmd == "-v" || cmd == "--version" || cmd == "version" {
		fmt.Println(version)
		os.Exit(0)
	}

	fn, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd) //nolint:gosec // G705: CLI error output
		usage()
		os.Exit(1)
	}

	os.Exit(exitCode(fn(os.Args[2:])))
}

// exitCode prints err and maps it to the process exit status. Losing the
// migration lock to another runner is not a failure.
func exitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, migration.ErrLockNotAcquired):
		fmt.Fprintln(os.Stderr, migration.ErrLockNotAcquired.Error())
		return 0
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err) //nolint:gosec // G705: CLI error output
		return 1
	}
}
