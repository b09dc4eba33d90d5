package core

import "context"

// Instance is the handle a processing function receives for one batch.
//
// Emit, Skip, Retry and Fail settle the batch when the function returned
// Pending. Only the first settlement counts; later calls, and calls made after
// the instance timed out, are ignored.
type Instance interface {
	Context() context.Context
	Options() Options

	Emit(v any)
	Skip()
	Retry()
	Fail(reason error)

	// Add queues more input for the job. Collections are split into units.
	Add(units any)
	// AddUnit queues v as a single unit, even when it is a collection.
	AddUnit(v any)
	// Exit terminates the whole job with err.
	Exit(err error)

	Debug(msg string, args ...any)
	Status(msg string, args ...any)
}
