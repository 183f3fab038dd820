package vat

import "errors"

// Confinement faults. Any of these aborts the turn; the backing
// transaction is rolled back and the inbound message stays queued.
var (
	// ErrForbiddenPower is raised when guest data offered for
	// serialization contains the reserved __power__ key.
	ErrForbiddenPower = errors.New("forbidden __power__ in serializing data")

	// ErrOneMemory is raised when a second memory tag appears in a
	// single unpack, or a memory tag appears outside a power.
	ErrOneMemory = errors.New("only one memory per power")

	// ErrUnknownPowerKind is raised for tags whose kind is not in the
	// recognized vocabulary for the current mode.
	ErrUnknownPowerKind = errors.New("unknown power kind")

	// ErrNativeNotSerializable is raised when a native power is packed
	// outside a power document.
	ErrNativeNotSerializable = errors.New("native power is not serializable here")

	// ErrNotSerializable is raised for guest values with no JSON form
	// (functions, coroutines, foreign userdata).
	ErrNotSerializable = errors.New("value is not serializable")

	// ErrCircular is raised when guest data contains a reference cycle.
	ErrCircular = errors.New("circular reference in serializing data")
)

// Guest-side contract errors.
var (
	// ErrRemoteCall is raised when call() targets an urbject on another
	// vat; synchronous calls are local-only.
	ErrRemoteCall = errors.New("call requires a local target")

	// ErrNoCallFunction is raised when guest code does not define a
	// top-level call(args, power) function.
	ErrNoCallFunction = errors.New("guest code must define call(args, power)")

	// ErrUnknownNative is raised for a native tag naming a power this
	// vat does not know.
	ErrUnknownNative = errors.New("unknown native power")
)
