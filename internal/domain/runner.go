package domain

import (
	"context"
	"errors"
)

// ExecType selects what kind of execution a request asks for.
type ExecType string

const (
	ExecTypeCompiler ExecType = "compiler"
	ExecTypeMatch    ExecType = "match"
)

// DefaultLanguage is used when a compiler request does not name one.
const DefaultLanguage = "python"

// ErrUnsupportedRequest is returned by runners for request types they cannot execute.
var ErrUnsupportedRequest = errors.New("unsupported execution request")

// ExecRequest is the opaque execution payload carried by a Job.
type ExecRequest struct {
	Type     ExecType `json:"type"`
	Code     string   `json:"code,omitempty"`
	Language string   `json:"language,omitempty"`
}

// Validate checks the request shape accepted at the edges (socket and HTTP).
func (r ExecRequest) Validate() error {
	switch r.Type {
	case ExecTypeCompiler:
		if r.Code == "" {
			return errors.New("code is required for compiler requests")
		}
		return nil
	case ExecTypeMatch:
		return nil
	default:
		return errors.New("type must be one of compiler|match")
	}
}

// ExecResult is what the execution backend produced for one Job.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// FailedResult builds the result delivered to a caller when execution itself failed.
func FailedResult(err error) ExecResult {
	return ExecResult{
		Stderr:   err.Error(),
		ExitCode: -1,
	}
}

// Runner defines the contract for the execution backend.
// Implementations must tolerate being invoked more than once for the same payload.
type Runner interface {
	// Run executes the request and returns its output. A returned error is
	// terminal for the Job: it is delivered as a failed result, never retried.
	Run(ctx context.Context, req ExecRequest) (ExecResult, error)
}
