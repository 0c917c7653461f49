package decaptcha

import (
	"errors"
	"fmt"
)

var (
	// ErrDeferred matches every DeferredError. It is not a failure: the gate
	// withheld the request or response on purpose.
	ErrDeferred = errors.New("deferred while crawl is paused")
	// ErrDisabled is returned when the gate is switched off in configuration.
	ErrDisabled = errors.New("decaptcha disabled")
)

// DeferredError signals that the gate withheld a request or response.
type DeferredError struct {
	Reason string
}

func (e *DeferredError) Error() string {
	return e.Reason
}

// Is reports whether target is ErrDeferred.
func (e *DeferredError) Is(target error) bool {
	return target == ErrDeferred
}

// IsDeferred reports whether err is a gate deferral.
func IsDeferred(err error) bool {
	return errors.Is(err, ErrDeferred)
}

// FetchError is returned when a pipeline network step fails.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// SolveError is returned when the solver fails or rejects an image.
type SolveError struct {
	Err error
}

func (e *SolveError) Error() string {
	return fmt.Sprintf("solve captcha: %v", e.Err)
}

func (e *SolveError) Unwrap() error {
	return e.Err
}

// ChallengeError reports a page that does not have the expected challenge shape.
type ChallengeError struct {
	Msg  string
	Body []byte
}

func (e *ChallengeError) Error() string {
	return e.Msg
}

// ConfigurationError is fatal at startup and keeps the gate from installing.
type ConfigurationError struct {
	Field string
	Msg   string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
