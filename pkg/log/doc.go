/*
Package log provides structured logging for Hutch built on zerolog.

All packages log through the shared root Logger, configured once at
process start via Init from the node configuration (or the CLI flags
overriding it). Child loggers are derived in a fixed hierarchy -
WithComponent for node subsystems, ForVat for the turn engine, ForTurn
per delivery, ForGuest for guest log() output - so a single vat's
activity can be followed through the dispatcher, the turn engine, and
the transport.

Guest log() calls are diagnostic only and are the one side effect of a
turn that survives a rollback.
*/
package log
