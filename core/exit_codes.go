package core

import (
	"errors"
)

// Process exit codes. An interrupted run exits with 130, the shell's
// 128+SIGINT.
const (
	ExitCodeSuccess     = 0
	ExitCodeError       = 1
	ExitCodeConfig      = 2
	ExitCodeInterrupted = 130
)

// ErrInterrupted is returned by commands that stop waiting after a signal.
var ErrInterrupted = errors.New("interrupted")

// ExitCode maps the error a command returned to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}
	if errors.Is(err, ErrInterrupted) {
		return ExitCodeInterrupted
	}
	var cerr *ConfigError
	if errors.As(err, &cerr) {
		return ExitCodeConfig
	}
	return ExitCodeError
}
