package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("record not found")

// InputError marks a malformed or incomplete FeatureVector. It is rejected
// before any detector runs.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid feature vector: %s: %s", e.Field, e.Reason)
}

// IsInputError reports whether err wraps an InputError.
func IsInputError(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}

// EnsembleUnavailable means every configured detector was FAILED or
// UNAVAILABLE for a transaction. The transaction gets a FAILED assessment,
// never a default low score.
type EnsembleUnavailable struct {
	TxID    string
	Results []DetectorResult
}

func (e *EnsembleUnavailable) Error() string {
	return fmt.Sprintf("tx %s: no detector produced a usable score (%d attempted)", e.TxID, len(e.Results))
}

// ConfigurationError is fatal at construction time: the engine refuses
// to start with invalid thresholds, weights or hyperparameters.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}
