package llm

import (
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

var (
	ErrNoAPIKeys     = errors.New("no api keys configured")
	ErrNoModel       = errors.New("no model configured")
	ErrEmptyResponse = errors.New("model returned no text")
	ErrModelFormat   = errors.New(`model name must look like "Provider/model"`)
	ErrUnknownModel  = errors.New("model not configured")
)

// StatusError is a non-2xx provider response. StatusCode feeds key quarantine.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider status %d: %s", e.StatusCode, e.Message)
}

// StatusCode extracts the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	var ae *openai.APIError
	if errors.As(err, &ae) {
		return ae.HTTPStatusCode
	}
	var re *openai.RequestError
	if errors.As(err, &re) {
		return re.HTTPStatusCode
	}
	return 0
}

// NoRetry marks a permanent failure; Summarize stops retrying on it.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// classify wraps request errors that another key or attempt cannot fix.
func classify(err error) error {
	switch StatusCode(err) {
	case 400, 404, 422:
		return NoRetry(err)
	}
	return err
}
