// Package toolexec runs external dump and load tools and captures their output.
package toolexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Command describes one external process invocation. When StdinFile is set
// the file is handed to the child as its stdin descriptor so large dumps never
// pass through this process. When Stdout is set output is written there
// instead of being captured.
type Command struct {
	Path      string
	Args      []string
	Env       []string
	Stdin     io.Reader
	StdinFile string
	Stdout    io.Writer
	// Secrets are masked when the command is rendered for logs.
	Secrets []string
}

// String renders the command line with secrets masked.
func (c Command) String() string {
	parts := append([]string{c.Path}, c.Args...)
	line := strings.Join(parts, " ")
	for _, s := range c.Secrets {
		if s == "" {
			continue
		}
		line = strings.ReplaceAll(line, s, "******")
	}
	return line
}

// Result is the outcome of a finished process.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Failed reports a nonzero exit status.
func (r Result) Failed() bool { return r.ExitCode != 0 }

// ErrorOutput prefers stderr, falling back to stdout and then the exit code.
func (r Result) ErrorOutput() string {
	if s := strings.TrimSpace(r.Stderr); s != "" {
		return s
	}
	if s := strings.TrimSpace(r.Stdout); s != "" {
		return s
	}
	return fmt.Sprintf("exit status %d", r.ExitCode)
}

// Invoker runs commands. Implementations block until the process exits;
// there is no timeout beyond ctx.
type Invoker interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Exec is the os/exec backed Invoker.
type Exec struct {
	// Env is appended to os.Environ() for every command.
	Env []string
}

// Run starts cmd and waits for it. A nonzero exit is reported through
// Result.ExitCode, not as an error; errors mean the process could not run.
func (e Exec) Run(ctx context.Context, cmd Command) (Result, error) {
	if cmd.Path == "" {
		return Result{}, errors.New("toolexec: command path is required")
	}

	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	c.Env = append(append(os.Environ(), e.Env...), cmd.Env...)

	if cmd.StdinFile != "" {
		f, err := os.Open(cmd.StdinFile)
		if err != nil {
			return Result{}, fmt.Errorf("toolexec: open stdin file: %w", err)
		}
		defer f.Close()
		c.Stdin = f
	} else if cmd.Stdin != nil {
		c.Stdin = cmd.Stdin
	}

	var stdout, stderr bytes.Buffer
	if cmd.Stdout != nil {
		c.Stdout = cmd.Stdout
	} else {
		c.Stdout = &stdout
	}
	c.Stderr = &stderr

	err := c.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode == 0 {
			res.ExitCode = -1
		}
		return res, nil
	default:
		return res, fmt.Errorf("toolexec: run %s: %w", cmd.Path, err)
	}
}
