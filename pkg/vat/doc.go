/*
Package vat implements the Hutch turn engine: dispatching one inbound
message at a time into a confined guest invocation and atomically
committing its effects.

# Turns

A Turn is one message delivery. It works inside a writable storage
transaction that the dispatcher begins and commits or rolls back, and
it owns a sandboxed Lua interpreter, the per-turn capability tables,
and the queue of outbound messages the guest produced. The dispatcher runs
turns strictly one at a time:

	message -> unpack(args, power) -> guest call(args, power) -> seal -> commit

If anything faults - a confinement violation, a missing entity, a guest
error, a storage failure - the transaction rolls back and the message
stays queued; a turn either commits completely or leaves no trace
beyond log lines.

# Confinement

Stored powers and memories are JSON documents whose tagged dicts
({"__power__": kind, "swissnum": s}) name capabilities. Unpack resolves
tags through the Turn's tables into opaque host objects: InnerReference
(send/call), NativePower (callable), or the live memory mapping. Pack
reverses the translation, emitting tags under a one-time nonce key and
rejecting any guest mapping that contains the literal __power__ key, so
guest code cannot forge a capability by constructing clever data. Which
tags are legal depends on position: powers may carry references, one
memory, and natives; memories and args carry references only.

# Identity

Within a turn the same refid always unpacks to the same InnerReference
and the same memid to the same mutable table. Nested synchronous calls
(ref:call) run on the same Turn, so a callee's writes to a shared
memory are visible to the caller immediately, and handing a child your
own power or memory is detected by object identity and deduplicates to
the same stored powid/memid.

# Guests

Guest code is Lua, compiled per invocation into a restricted
environment exposing the pure stdlib subset plus log, add, and the
capabilities in args and power. The chunk must define
call(args, power); its return value only travels to synchronous local
callers and is never serialized.
*/
package vat
