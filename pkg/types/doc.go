/*
Package types defines the persistent entities and wire shapes shared
across Hutch.

A vat stores three kinds of swissnum-addressed entities: Urbjects (an
immutable code + power binding), Powers (the immutable authority document
an urbject runs with), and Memories (the one mutable JSON mapping a power
may grant). Capability tags inside stored JSON use the reserved
PowerMarker key; everything else in a power or memory document is plain
data.

Message queues hold Envelopes: "invoke" delivers a message to a stored
urbject, "execute" runs one-shot code against an ad-hoc power. Spids
(vatid:urbjid) are the human-passable spelling of a RefID.
*/
package types
