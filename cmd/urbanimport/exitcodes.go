package main

import (
	"errors"

	"github.com/rpattn/urbanimport/internal/ingestion"
)

type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string {
	return e.err.Error()
}

func (e *cliError) Unwrap() error {
	return e.err
}

const (
	exitOK         = 0
	exitValidation = 2
	exitUsage      = 3
	exitDB         = 4
	exitInput      = 5
	exitCancelled  = 130
)

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &cliError{code: code, err: err}
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return 1
}

// importExitCode maps a fatal import error to the exit code of its stage.
func importExitCode(err error) int {
	if ingestion.IsCancelled(err) {
		return exitCancelled
	}
	var stageErr *ingestion.StageError
	if !errors.As(err, &stageErr) {
		return 1
	}
	switch stageErr.Stage {
	case ingestion.StageConfig:
		return exitUsage
	case ingestion.StageOpen, ingestion.StageHeader, ingestion.StageRead:
		return exitInput
	default:
		return exitDB
	}
}
