package main

import (
	"context"
	"errors"
	"fmt"
)

// Process exit codes.
const (
	exitOK        = 0
	exitFailure   = 1
	exitTimedOut  = 2
	exitCancelled = 130
)

// exitError carries a specific exit code. A nil err means the command has
// already reported the problem.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if errors.Is(err, context.Canceled) {
		return exitCancelled
	}
	return exitFailure
}

func shouldPrint(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.err != nil
	}
	return true
}
