package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"regexp"

	"github.com/google/subcommands"
	"golang.org/x/term"

	"github.com/paratest-core/paratest/errors"
	"github.com/paratest-core/paratest/internal/config"
	"github.com/paratest-core/paratest/internal/dispatcher"
	"github.com/paratest-core/paratest/internal/fixture"
	"github.com/paratest-core/paratest/internal/generator"
	"github.com/paratest-core/paratest/internal/logging"
	"github.com/paratest-core/paratest/internal/testmodel"
	"github.com/paratest-core/paratest/reporter"
)

// Source resolves test files into the data the generator and worker
// processes need. Parsing on-disk test files into Suite/Registration
// trees is a source-language-specific concern left to the embedder;
// paratest's engine only consumes the result.
type Source interface {
	Files() ([]string, error)
	LoadSuites(files []string) ([]*testmodel.Suite, error)
	LoadFixtures(reg *fixture.Registry, files []string) error
}

type runCmd struct {
	configPath string
	source     Source
}

// newRunCmd builds the "run" subcommand against source. Embedders wire
// their own concrete Source (parsing on-disk test files into
// Suite/Registration trees is source-language-specific); a nil source
// reports a configuration error if invoked.
func newRunCmd(source Source) *runCmd {
	return &runCmd{source: source}
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "resolve fixtures and run tests in parallel" }
func (*runCmd) Usage() string {
	return "run -config <path>\n\nRuns every discovered test against the configured worker pool.\n"
}

func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.configPath, "config", "", "path to a YAML config file")
}

func (r *runCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if r.source == nil {
		fmt.Fprintln(os.Stderr, "run: no test source wired; embed this command with a concrete Source")
		return subcommands.ExitFailure
	}
	cfg := config.Default()
	if r.configPath != "" {
		loaded, err := config.Load(r.configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "run:", err)
			return subcommands.ExitFailure
		}
		cfg = loaded
	}

	summary, err := run(ctx, cfg, r.source)
	if err != nil {
		fmt.Fprintln(os.Stderr, "run:", err)
		return subcommands.ExitFailure
	}
	if summary.Stopped || len(summary.FailedTests) > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func run(ctx context.Context, cfg *config.Config, src Source) (dispatcher.Summary, error) {
	files, err := src.Files()
	if err != nil {
		return dispatcher.Summary{}, err
	}
	suites, err := src.LoadSuites(files)
	if err != nil {
		return dispatcher.Summary{}, err
	}

	reg := fixture.NewRegistry()
	if err := src.LoadFixtures(reg, files); err != nil {
		return dispatcher.Summary{}, err
	}
	if err := reg.Finalize(); err != nil {
		return dispatcher.Summary{}, err
	}

	current, total := cfg.NormalizedShard()
	var grep *regexp.Regexp
	if cfg.Grep != "" {
		grep, err = regexp.Compile(cfg.Grep)
		if err != nil {
			return dispatcher.Summary{}, errors.WrapKind(errors.KindConfigInvalid, err, "compiling grep pattern %q", cfg.Grep)
		}
	}
	result, err := generator.Generate(suites, reg, generator.Matrix{}, generator.Config{
		Grep:       grep,
		RepeatEach: cfg.RepeatEach,
		ForbidOnly: cfg.ForbidOnly,
		Shard:      generator.Shard{Current: current, Total: total},
	})
	if err != nil {
		return dispatcher.Summary{}, err
	}

	tests := map[string]*testmodel.Test{}
	for _, t := range result.Tests {
		tests[t.ID] = t
	}

	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		fd = -1
	}
	mux := reporter.NewMultiplexer(func(i int, rec interface{}) {
		logging.Infof(ctx, "reporter %d panicked: %v", i, rec)
	}, reporter.NewTextReporter(os.Stdout, fd))

	// A synthetic root purely for the reporter's benefit: its Entries
	// reference the loaded file suites without touching their Parent, so
	// Spec/Test titles stay rooted at their own file.
	root := &testmodel.Suite{Title: "all"}
	for _, s := range suites {
		root.Entries = append(root.Entries, s)
	}
	mux.OnBegin(cfg, root)

	launcher := &dispatcher.ProcessLauncher{Path: os.Args[0], Args: []string{"internal-worker"}}
	d := dispatcher.New(dispatcher.Options{
		Workers:       cfg.Workers,
		Retries:       cfg.Retries,
		MaxFailures:   cfg.MaxFailures,
		GlobalTimeout: cfg.GlobalTimeout,
		FixtureFiles:  files,
	}, launcher, tests, func(ev dispatcher.Event) {
		switch {
		case ev.Begin != nil:
			if t := tests[ev.Begin.TestID]; t != nil {
				mux.OnTestBegin(t)
			}
		case ev.End != nil:
			if t := tests[ev.End.TestID]; t != nil && len(t.Results) > 0 {
				mux.OnTestEnd(t, t.Results[len(t.Results)-1])
			}
		case ev.StdOut != nil:
			mux.OnStdOut(ev.StdOut.Buffer, tests[ev.StdOut.TestID])
		case ev.StdErr != nil:
			mux.OnStdErr(ev.StdErr.Buffer, tests[ev.StdErr.TestID])
		case ev.Error != nil:
			mux.OnError(ev.Error)
		}
	})

	summary := d.Run(ctx, result.Jobs)
	mux.OnEnd()
	return summary, nil
}
