package ingestion

import (
	"errors"
	"fmt"
)

// Stage names the pipeline step a fatal error came from.
type Stage string

const (
	StageConfig  Stage = "config"
	StageConnect Stage = "connect"
	StageCatalog Stage = "catalog"
	StageOpen    Stage = "open"
	StageHeader  Stage = "header"
	StageRead    Stage = "read"
	StageVerify  Stage = "verify"
)

// ErrInvalidConfig is wrapped by configuration errors.
var ErrInvalidConfig = errors.New("invalid import configuration")

// StageError is a fatal error that aborted an import run.
type StageError struct {
	Stage Stage
	Input string
	Err   error
}

func (e *StageError) Error() string {
	if e.Input == "" {
		return fmt.Sprintf("import %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("import %s %s: %v", e.Stage, e.Input, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageError(stage Stage, input string, err error) error {
	var existing *StageError
	if errors.As(err, &existing) {
		return err
	}
	return &StageError{Stage: stage, Input: input, Err: err}
}
