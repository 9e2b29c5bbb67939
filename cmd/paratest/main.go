// Command paratest runs a parallel test-suite execution engine: it
// resolves fixtures, expands declared specs into concrete tests, shards
// and dispatches them across isolated worker processes, and reports
// outcomes through a pluggable reporter.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"

	"github.com/paratest-core/paratest/internal/command"
	"github.com/paratest-core/paratest/internal/logging"
)

// Version is filled in at build time via -ldflags.
var Version = "<unknown>"

func newLogger(verbose bool) *logging.FuncLogger {
	level := logging.LevelInfo
	if verbose {
		level = logging.LevelDebug
	}
	return logging.NewFuncLogger(func(l logging.Level, ts time.Time, msg string) {
		if l < level {
			return
		}
		fmt.Fprintf(os.Stderr, "%s %s: %s\n", ts.Format(time.RFC3339), l, msg)
	})
}

func doMain() int {
	// source is left nil: this binary is a skeleton for an embedder that
	// wires a concrete Source over its own test-file format. Both the
	// "run" and "internal-worker" subcommands need the same Source, since
	// a worker subprocess re-parses whichever file its job names.
	var source Source

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(newRunCmd(source), "")
	subcommands.Register(newInternalWorkerCmd(source), "")

	version := flag.Bool("version", false, "print version and exit")
	verbose := flag.Bool("verbose", false, "use verbose logging")
	flag.Parse()

	if *version {
		fmt.Printf("paratest version %s\n", Version)
		return 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = logging.AttachLogger(ctx, newLogger(*verbose))

	command.InstallSignalHandler(os.Stderr, cancel)

	return int(subcommands.Execute(ctx))
}

func main() {
	os.Exit(doMain())
}
