package stmgc

import "github.com/pkg/errors"

var (
	// ErrConflict is returned when a transaction read something that another transaction committed a newer version
	// of. The transaction has already been rolled back when this is returned, it can simply be retried.
	ErrConflict = errors.New("transaction conflict, please retry")

	// ErrTransactionDiscarded is returned when using a transaction after it committed or aborted.
	ErrTransactionDiscarded = errors.New("this transaction has been discarded, create a new one")

	// ErrStaleHandle is returned when a handle does not name a live object any more. Usually the handle was kept
	// across the abort of the transaction that allocated it.
	ErrStaleHandle = errors.New("stale object handle")

	// ErrOutOfBounds is returned when an offset is not word aligned or is past the end of the object.
	ErrOutOfBounds = errors.New("offset out of object bounds")

	// ErrNotReference is returned by LoadRef and StoreRef on a word that is not one of the type's reference slots.
	ErrNotReference = errors.New("word is not a reference slot")

	// ErrUnknownType is returned when allocating a type the introspector cannot size.
	ErrUnknownType = errors.New("unknown object type")

	// ErrHeapExhausted is returned when every arena slot a handle can address is in use.
	ErrHeapExhausted = errors.New("heap exhausted")

	// ErrClosed is returned when using an engine after Close.
	ErrClosed = errors.New("engine is closed")

	// ErrContextsRegistered is returned by Close while threads are still registered.
	ErrContextsRegistered = errors.New("threads are still registered with the engine")

	// ErrCollectionCanceled is returned by Collect when its context is done before every thread reached a
	// safepoint.
	ErrCollectionCanceled = errors.New("collection canceled before the world stopped")

	// ErrNoIntrospector is returned by Open when Options.Introspector is nil.
	ErrNoIntrospector = errors.New("an introspector is required")

	// ErrInvalidOptions is returned by Open when an option is out of range.
	ErrInvalidOptions = errors.New("invalid options")
)
