/*
Package transport delivers messages between vats.

Every message is box-sealed to the peer's public key (the peer's vat id
IS its key, so addressing a vat and encrypting to it are the same act)
under a deterministic per-pair nonce derived from the message number.
Delivery is retry-forever: an outbound message stays in its queue until
the peer's sealed ack retires it, with a doubling per-peer backoff
between attempts and an immediate attempt whenever something new is
enqueued. Receivers consume message numbers strictly in order, ack
duplicates, and refuse numbers from the future.
*/
package transport
