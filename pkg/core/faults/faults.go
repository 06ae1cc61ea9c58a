// Package faults classifies errors by how far they are allowed to propagate.
package faults

import (
	"errors"
	"fmt"
)

// Kind categorizes errors.
type Kind string

const (
	// KindTransientUpstream covers recognizer, corrector and synthesizer call
	// failures. Recovered inside the session.
	KindTransientUpstream Kind = "transient_upstream"
	// KindProtocol covers malformed client input. Reported to the originating
	// connection only.
	KindProtocol Kind = "protocol"
	// KindStaleEvent marks events that reference a superseded request.
	KindStaleEvent Kind = "stale_event"
	// KindConfiguration is the only kind allowed to stop startup.
	KindConfiguration Kind = "configuration"
)

// Error carries a Kind alongside the failing operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error by Kind, so errors.Is(err, faults.Configuration)
// works for any wrapped configuration error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	TransientUpstream = &Error{Kind: KindTransientUpstream}
	Protocol          = &Error{Kind: KindProtocol}
	StaleEvent        = &Error{Kind: KindStaleEvent}
	Configuration     = &Error{Kind: KindConfiguration}
)

func Upstream(op string, err error) error {
	return &Error{Kind: KindTransientUpstream, Op: op, Err: err}
}

func Config(op string, err error) error {
	return &Error{Kind: KindConfiguration, Op: op, Err: err}
}

func Configf(format string, args ...any) error {
	return &Error{Kind: KindConfiguration, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}
