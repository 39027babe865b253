package notify

import (
	"errors"
	"fmt"
	"time"
)

// Outcome classifies a single delivery attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	// OutcomeSkipped means the user has no credentials for the backend.
	OutcomeSkipped
	OutcomeTransportFailure
	OutcomeProviderRejection
	OutcomeMalformedResponse
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeTransportFailure:
		return "transport_failure"
	case OutcomeProviderRejection:
		return "provider_rejection"
	case OutcomeMalformedResponse:
		return "malformed_response"
	default:
		return "unknown"
	}
}

// Failed reports whether the outcome is one of the failure kinds.
func (o Outcome) Failed() bool {
	return o == OutcomeTransportFailure || o == OutcomeProviderRejection || o == OutcomeMalformedResponse
}

// Result describes one provider attempt (one per device for multi-device
// backends). Backends fill Device, Outcome, Code and Err; the dispatcher
// stamps the rest.
type Result struct {
	ID       string
	Backend  string
	Server   string
	Username string
	Device   string

	Outcome Outcome
	Code    string
	Err     error
	Took    time.Duration
}

// TransportError is a network-level failure: connection, TLS, timeout,
// unreadable body, or a credential store read.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// RejectionError is a structured error reported by the provider.
type RejectionError struct {
	Code    string
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("provider rejected notification: %s (%s)", e.Message, e.Code)
}

// MalformedError means the provider answered with something we could not
// interpret.
type MalformedError struct {
	Reason string
	Body   string
	Err    error
}

func (e *MalformedError) Error() string {
	msg := "malformed response: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedError) Unwrap() error { return e.Err }

// Classify maps an error returned by a delivery step to its outcome.
// Unknown error types count as transport failures.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	var rej *RejectionError
	if errors.As(err, &rej) {
		return OutcomeProviderRejection
	}
	var mal *MalformedError
	if errors.As(err, &mal) {
		return OutcomeMalformedResponse
	}
	return OutcomeTransportFailure
}

// ResultOf builds the Result for an attempt that ended with err.
func ResultOf(device string, err error) Result {
	r := Result{Device: device, Outcome: Classify(err), Err: err}
	var rej *RejectionError
	if errors.As(err, &rej) {
		r.Code = rej.Code
	}
	return r
}

// Skipped is the single result of a delivery for a user without credentials.
func Skipped() []Result { return []Result{{Outcome: OutcomeSkipped}} }
