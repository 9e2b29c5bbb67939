// Package command provides small helpers shared by the paratest CLI
// entrypoint: signal handling.
package command

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

var selfName = filepath.Base(os.Args[0])

// InstallSignalHandler installs a handler for SIGINT/SIGTERM. The first
// signal invokes cancel, giving the dispatcher a chance to stop workers
// gracefully; a second signal force-terminates any worker processes
// still running and exits immediately.
func InstallSignalHandler(out io.Writer, cancel func()) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, unix.SIGINT, unix.SIGTERM)
	go func() {
		sig := <-ch
		fmt.Fprintf(out, "\n%s: caught %v signal; stopping workers\n", selfName, sig)
		cancel()

		sig = <-ch
		fmt.Fprintf(out, "\n%s: caught %v signal again; terminating worker processes\n", selfName, sig)
		terminateChildren(out)
		os.Exit(1)
	}()
}

func terminateChildren(out io.Writer) {
	procs, err := process.Processes()
	if err != nil {
		fmt.Fprintf(out, "failed to list processes: %v\n", err)
		return
	}
	selfPid := int32(os.Getpid())
	for _, p := range procs {
		ppid, err := p.Ppid()
		if err != nil || ppid != selfPid {
			continue
		}
		p.Terminate()
	}
}
