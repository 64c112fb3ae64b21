// kiln-busy reports whether the shared model is in use, for scripts that
// must not touch it while kiln is running a job.
//
// With -wait it blocks until the model is idle, up to -timeout.
//
// Exit status: 0 idle, 1 busy, 2 the marker could not be read.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/seantiz/kiln/internal/busy"
)

const (
	exitIdle  = 0
	exitBusy  = 1
	exitError = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("kiln-busy", flag.ContinueOnError)
	fs.SetOutput(stderr)

	defaultPath := os.Getenv("KILN_MARKER_PATH")
	if defaultPath == "" {
		defaultPath = busy.DefaultPath
	}
	path := fs.String("marker", defaultPath, "busy marker file")
	quiet := fs.Bool("q", false, "print nothing, only set the exit status")
	wait := fs.Bool("wait", false, "block until the marker is gone")
	timeout := fs.Duration("timeout", 10*time.Minute, "give up waiting after this long")
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	if *wait {
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()
		if err := busy.WaitIdle(ctx, *path); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			fmt.Fprintf(stderr, "kiln-busy: %v\n", err)
			return exitError
		}
	}

	info, err := busy.Read(*path)
	switch {
	case errors.Is(err, busy.ErrNoMarker):
		if !*quiet {
			fmt.Fprintln(stdout, "idle")
		}
		return exitIdle
	case err != nil:
		fmt.Fprintf(stderr, "kiln-busy: %v\n", err)
		return exitError
	}

	if !*quiet {
		out, err := json.Marshal(info)
		if err != nil {
			fmt.Fprintf(stderr, "kiln-busy: %v\n", err)
			return exitError
		}
		fmt.Fprintf(stdout, "busy %s\n", out)
	}
	return exitBusy
}
