package model

// ResultKind is the variant of a Result.
type ResultKind int

const (
	ResultLoading ResultKind = iota + 1
	ResultSuccess
	ResultError
)

func (k ResultKind) String() string {
	switch k {
	case ResultLoading:
		return "loading"
	case ResultSuccess:
		return "success"
	case ResultError:
		return "error"
	}
	return "unknown"
}

// Result is the caller-facing outcome of a read or write. It is a sum type
// with three variants; fields not belonging to the variant are zero.
//
//   - Loading: no data yet
//   - Success: Record is set; FromCache tells whether it came from the local store
//   - Error: Message is set; QueuedOffline marks a write that was durably queued
//     instead of applied, in which case Record holds the locally stored value
type Result struct {
	Kind          ResultKind
	Record        *Record
	FromCache     bool
	Message       string
	QueuedOffline bool
	Err           error
}

// Loading returns the Loading variant.
func Loading() Result {
	return Result{Kind: ResultLoading}
}

// Success returns the Success variant.
func Success(rec Record, fromCache bool) Result {
	return Result{Kind: ResultSuccess, Record: &rec, FromCache: fromCache}
}

// Failure returns the Error variant for err.
func Failure(err error) Result {
	return Result{Kind: ResultError, Message: err.Error(), Err: err}
}

// QueuedOffline returns the Error variant flagged as queued, carrying the
// locally stored record when there is one.
func QueuedOffline(rec *Record, reason error) Result {
	r := Result{Kind: ResultError, Record: rec, QueuedOffline: true, Message: "queued for sync"}
	if reason != nil {
		r.Err = reason
	}
	return r
}

// IsSuccess reports whether r is the Success variant.
func (r Result) IsSuccess() bool { return r.Kind == ResultSuccess }

// IsLoading reports whether r is the Loading variant.
func (r Result) IsLoading() bool { return r.Kind == ResultLoading }

// IsError reports whether r is a real error (not a queued write).
func (r Result) IsError() bool { return r.Kind == ResultError && !r.QueuedOffline }

// IsQueuedOffline reports whether r is a durably queued write.
func (r Result) IsQueuedOffline() bool { return r.Kind == ResultError && r.QueuedOffline }
