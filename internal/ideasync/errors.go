package ideasync

import (
	"errors"
	"fmt"
)

var (
	ErrTransport          = errors.New("transport error")
	ErrMalformedEvent     = errors.New("malformed event")
	ErrSubmissionRejected = errors.New("submission rejected")
	ErrTimeout            = errors.New("timeout")
)

type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport %s failed", e.Op)
	}
	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type MalformedEventError struct {
	Channel Channel
	Reason  string
	Err     error
}

func (e *MalformedEventError) Error() string {
	msg := fmt.Sprintf("malformed %s event: %s", e.Channel, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedEventError) Is(target error) bool {
	return target == ErrMalformedEvent
}

func (e *MalformedEventError) Unwrap() error {
	return e.Err
}

// SubmissionRejectedError is returned by Submit when the server refused the
// idea. Text holds the original input so the caller can restore it.
type SubmissionRejectedError struct {
	Text         string
	AuthorID     string
	ClientTempID string
	StatusCode   int
	Reason       string
}

func (e *SubmissionRejectedError) Error() string {
	if e.Reason == "" {
		return "submission rejected"
	}
	return fmt.Sprintf("submission rejected: %s", e.Reason)
}

func (e *SubmissionRejectedError) Is(target error) bool {
	return target == ErrSubmissionRejected
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func malformed(channel Channel, reason string, err error) error {
	return &MalformedEventError{Channel: channel, Reason: reason, Err: err}
}
