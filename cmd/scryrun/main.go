// Command scryrun runs declarative browser scenarios against a web app.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

var version = "dev"

const (
	exitPassed = 0
	exitFailed = 1
	exitUsage  = 2
)

const usage = `usage: scryrun <command> [flags]

commands:
  run      run scenarios and print a summary
  list     list the scenarios a run would select
  serve    start the HTTP control API
  doctor   check that the configured browser backend works
  version  print the version

Run "scryrun <command> --help" for the flags of a command.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := dispatch(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func dispatch(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return exitUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "run":
		return runCommand(ctx, rest, stdout, stderr)
	case "list":
		return listCommand(rest, stdout, stderr)
	case "serve":
		return serveCommand(ctx, rest, stderr)
	case "doctor":
		return doctorCommand(ctx, rest, stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, "scryrun", version)
		return exitPassed
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return exitPassed
	}
	fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
	return exitUsage
}
