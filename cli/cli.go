// Package cli implements the echorelay command line: mode selection, argument
// validation and exit status.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"github.com/cyberinferno/echorelay/logger"
	"github.com/cyberinferno/echorelay/server"
	"github.com/rs/zerolog"
)

// Exit statuses.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

const (
	modeServe = "serve"
	modeProbe = "probe"
)

const serviceName = "echorelay"

var errUsage = errors.New("usage")

// Run executes the mode named by args[1] and returns the process exit status.
// args[0] is the program name. Diagnostics and usage text go to stderr;
// probe output goes to stdout.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	prog := serviceName
	if len(args) > 0 {
		prog = filepath.Base(args[0])
	}

	if len(args) < 2 {
		printUsage(stderr, prog)
		return ExitUsage
	}

	mode, rest := args[1], args[2:]
	var err error
	switch mode {
	case server.ModeConnectionListener:
		err = runConnectionListener(ctx, prog, rest, stderr)
	case server.ModeRequestHandler:
		err = runRequestHandler(ctx, prog, rest, stderr)
	case modeServe:
		err = runServe(ctx, prog, rest, stderr)
	case modeProbe:
		err = runProbe(ctx, prog, rest, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unrecognised subcommand %q\n", mode)
		printUsage(stderr, prog)
		return ExitUsage
	}

	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, errUsage):
		return ExitUsage
	default:
		return ExitFailure
	}
}

func printUsage(w io.Writer, prog string) {
	fmt.Fprintf(w, "usage: %s SUBCOMMAND...\n\n", prog)
	fmt.Fprintln(w, "subcommands:")
	fmt.Fprintf(w, "  %s SERVER_FD WRITE_PIPE_FD\n", server.ModeConnectionListener)
	fmt.Fprintf(w, "  %s CLIENT_FD\n", server.ModeRequestHandler)
	fmt.Fprintf(w, "  %s [flags]\n", modeServe)
	fmt.Fprintf(w, "  %s [flags] ADDR MESSAGE...\n", modeProbe)
}

// usagef prints a usage line and returns errUsage.
func usagef(w io.Writer, format string, args ...any) error {
	fmt.Fprintf(w, "usage: "+format+"\n", args...)
	return errUsage
}

func parseFD(s string) (int, error) {
	fd, err := strconv.Atoi(s)
	if err != nil || fd < 0 {
		return 0, fmt.Errorf("invalid descriptor %q", s)
	}

	return fd, nil
}

func newLogger(stderr io.Writer, level zerolog.Level, dir string) (logger.Logger, error) {
	cfg := logger.DefaultConfig(serviceName)
	cfg.Level = level
	cfg.Dir = dir
	cfg.Output = stderr
	return logger.New(cfg)
}
