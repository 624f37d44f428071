package queue

import (
	"errors"
	"fmt"

	"groupsummary/internal/storage"
)

type Kind int

const (
	Success Kind = iota
	Skip
	Failure
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Skip:
		return "skip"
	case Failure:
		return "failure"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Pipeline stages reported in Outcome.Reason for failures.
const (
	StageFetch     = "fetch"
	StageSummarize = "summarize"
	StageSend      = "send"
	StagePanic     = "panic"
)

var ErrSendFailed = errors.New("delivery failed")

// Outcome is the result of one pipeline run. Skips are expected and not errors.
type Outcome struct {
	Kind     Kind
	Reason   string
	Err      error
	Messages int
	Model    string
	Summary  string
}

func skipped(reason string) Outcome { return Outcome{Kind: Skip, Reason: reason} }

func failed(stage string, err error) Outcome { return Outcome{Kind: Failure, Reason: stage, Err: err} }

// Status maps o to the statistics status recorded for the run.
func (o Outcome) Status() string {
	switch {
	case o.Kind == Success:
		return storage.StatusSuccess
	case o.Kind == Skip:
		return storage.StatusSkipped
	case o.Reason == StageSend:
		return storage.StatusFailedSend
	default:
		return storage.StatusFailedProcessing
	}
}
