/*
Package storage provides BoltDB-backed persistence for a Hutch vat.

The vat's durable state lives in a single bbolt file (<dataDir>/hutch.db)
split into buckets:

	urbjects   urbjid  -> {urbjid, powid, code}
	powers     powid   -> {powid, power_json}
	memories   memid   -> {memid, data_json}
	peers      vatid   -> {vatid, url}
	outbound   vatid   -> nested FIFO, seq -> queued message
	inbound    seq     -> queued message (local dispatch order)
	counters   per-peer sequence and transport msgnum counters
	node       keypair (pubkey, privkey)

# Transactions

Unlike a CRUD store, callers hold an explicit Tx. The turn engine begins
one writable transaction per turn and routes every read and write of that
turn through it; committing the Tx is what makes the turn's effects -
memory writes, new urbjects and powers, enqueued outbound messages, and
the inbound dequeue - visible atomically. Rolling it back leaves no trace
of the turn. bbolt's single-writer model matches the one-turn-in-flight
vat scheduling model, and its fsync-on-commit gives durability.

Sequence keys are big-endian uint64 so bolt's byte ordering is numeric
ordering; queue drains see messages in exactly the order they were
enqueued. Per-peer outbound sequence numbers double as the transport
message numbers used for nonce construction.
*/
package storage
