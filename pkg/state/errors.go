package state

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds surfaced by the resolution stages. Every stage failure carries
// exactly one of these, so callers can branch with errors.Is.
var (
	ErrServiceNotFound      = errors.New("service not found")
	ErrVersionResolution    = errors.New("version resolution failed")
	ErrMetadataNotFound     = errors.New("metadata not found")
	ErrInconsistentMetadata = errors.New("inconsistent metadata")
	ErrBlobNotFound         = errors.New("blob not found")
	ErrTransport            = errors.New("transport error")
	ErrCancelled            = errors.New("cancelled")
)

var knownKinds = []error{
	ErrServiceNotFound,
	ErrVersionResolution,
	ErrMetadataNotFound,
	ErrInconsistentMetadata,
	ErrBlobNotFound,
	ErrTransport,
}

type Stage int32

const (
	Stage_Nil Stage = iota
	Stage_Lookup
	Stage_Version
	Stage_Metadata
	Stage_Blob
)

func (s Stage) String() string {
	switch s {
	case Stage_Nil:
		return "nil"
	case Stage_Lookup:
		return "lookup"
	case Stage_Version:
		return "version"
	case Stage_Metadata:
		return "metadata"
	case Stage_Blob:
		return "blob"
	default:
		return "unknown"
	}
}

// StageError records where resolution stopped. Both Kind and Err match
// errors.Is.
type StageError struct {
	Stage Stage
	Kind  error
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil || e.Err == e.Kind {
		return fmt.Sprintf("%s: %s", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() []error {
	if e.Err == nil || e.Err == e.Kind {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Classify attaches a stage and a kind to err. Context errors become
// ErrCancelled, errors already carrying a known kind keep it, anything else is
// a transport failure. A StageError is returned unchanged.
func Classify(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Kind: KindOf(err), Err: err}
}

func KindOf(err error) error {
	if err == nil {
		return nil
	}
	if IsCancelled(err) {
		return ErrCancelled
	}
	for _, kind := range knownKinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrTransport
}

func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrMetadataNotFound) || errors.Is(err, ErrBlobNotFound)
}

// CheckContext returns a StageError of kind ErrCancelled when ctx is done.
func CheckContext(ctx context.Context, stage Stage) error {
	if err := ctx.Err(); err != nil {
		return &StageError{Stage: stage, Kind: ErrCancelled, Err: err}
	}
	return nil
}

func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return Stage_Nil
}
