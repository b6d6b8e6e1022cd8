package chunkproc

import "fmt"

// Status is the outcome of one processing request. Every result handle
// resolves with exactly one Status.
type Status int

const (
	// StatusSuccess means the artifact was computed from a version
	// confirmed current both before and after computation.
	StatusSuccess Status = iota

	// StatusSuperseded means a newer version was or became known. Not
	// an error; the caller should request the newer version.
	StatusSuperseded

	// StatusCanceled means the caller's token or the service shutdown
	// signal fired. Not an error.
	StatusCanceled

	// StatusFailed means snapshot construction, the processor, or the
	// service itself failed; see FailureKind.
	StatusFailed

	// StatusUnavailable means the snapshot source reported the chunk
	// cannot be snapshotted right now. Expected and retriable.
	StatusUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusSuperseded:
		return "superseded"
	case StatusCanceled:
		return "canceled"
	case StatusFailed:
		return "failed"
	case StatusUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// FailureKind distinguishes what went wrong when Status is StatusFailed.
type FailureKind int

const (
	// FailureNone is the zero value for non-failed results.
	FailureNone FailureKind = iota

	// FailureSnapshot means snapshot construction returned an error.
	FailureSnapshot

	// FailureProcessor means the processor returned an error or
	// panicked.
	FailureProcessor

	// FailureUnknown covers service-internal issues: queue rejection,
	// shutdown, or a processor id reused with a different artifact
	// type.
	FailureUnknown
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureSnapshot:
		return "snapshot"
	case FailureProcessor:
		return "processor"
	case FailureUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}
