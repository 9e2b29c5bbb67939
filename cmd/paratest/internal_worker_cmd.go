package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"github.com/paratest-core/paratest/internal/logging"
	"github.com/paratest-core/paratest/internal/protocol"
	"github.com/paratest-core/paratest/internal/testmodel"
	"github.com/paratest-core/paratest/internal/worker"
)

func toWireError(err error) *protocol.WireError {
	if err == nil {
		return nil
	}
	return &protocol.WireError{Message: err.Error(), Stack: fmt.Sprintf("%+v", err)}
}

// internalWorkerCmd is the hidden subcommand a ProcessLauncher re-execs
// the binary with. It speaks protocol.Conn framing over stdin/stdout and
// is never invoked directly by a user.
type internalWorkerCmd struct {
	source Source
}

func newInternalWorkerCmd(source Source) *internalWorkerCmd {
	return &internalWorkerCmd{source: source}
}

func (*internalWorkerCmd) Name() string     { return "internal-worker" }
func (*internalWorkerCmd) Synopsis() string { return "run as a worker subprocess (internal use only)" }
func (*internalWorkerCmd) Usage() string {
	return "internal-worker\n\nReads framed protocol envelopes from stdin and writes results to stdout.\n"
}
func (*internalWorkerCmd) SetFlags(f *flag.FlagSet) {}

func (c *internalWorkerCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if c.source == nil {
		fmt.Fprintln(os.Stderr, "internal-worker: no test source wired; embed this command with a concrete Source")
		return subcommands.ExitFailure
	}
	conn := protocol.NewConn(os.Stdin, os.Stdout)
	if err := c.serve(ctx, conn); err != nil {
		logging.Infof(ctx, "worker: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (c *internalWorkerCmd) serve(ctx context.Context, conn *protocol.Conn) error {
	env, err := conn.Recv()
	if err != nil {
		return fmt.Errorf("waiting for init: %w", err)
	}
	if env.Init == nil {
		return fmt.Errorf("expected Init envelope, got %+v", env)
	}
	init := env.Init

	var variation map[string]interface{}
	if init.Variation != "" {
		if err := json.Unmarshal([]byte(init.Variation), &variation); err != nil {
			return fmt.Errorf("decoding worker variation: %w", err)
		}
	}

	r := &worker.Runner{
		WorkerIndex:     init.WorkerIndex,
		RepeatEachIndex: init.RepeatEachIndex,
		Variation:       variation,
		SuiteLoader: func(file string) (*testmodel.Suite, error) {
			suites, err := c.source.LoadSuites([]string{file})
			if err != nil {
				return nil, err
			}
			if len(suites) == 0 {
				return nil, fmt.Errorf("no suite loaded for %q", file)
			}
			return suites[0], nil
		},
		FixtureLoader: c.source.LoadFixtures,
	}
	if err := r.Init(ctx, init.FixtureFiles); err != nil {
		return fmt.Errorf("initializing worker: %w", err)
	}
	if err := conn.Send(&protocol.Envelope{Ready: &protocol.Ready{}}); err != nil {
		return fmt.Errorf("sending ready: %w", err)
	}

	for {
		env, err := conn.Recv()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("receiving envelope: %w", err)
		}
		switch {
		case env.Run != nil:
			done := r.RunJob(ctx, env.Run.Job, func(e *protocol.Envelope) {
				conn.Send(e)
			})
			if err := conn.Send(&protocol.Envelope{Done: &done}); err != nil {
				return fmt.Errorf("sending done: %w", err)
			}
		case env.Stop != nil:
			r.Shutdown(ctx, func(err error) {
				conn.Send(&protocol.Envelope{TeardownError: &protocol.TeardownError{Error: toWireError(err)}})
			})
			return nil
		default:
			return fmt.Errorf("unexpected envelope from dispatcher: %+v", env)
		}
	}
}
