/*
Package events provides a lightweight in-process broker for vat
lifecycle events: turns committing or aborting, messages entering the
queues, urbjects and memories being created.

Delivery is synchronous fan-out from the publisher's goroutine with a
small buffer per subscriber; publishing never blocks the turn engine,
and a subscriber that falls behind misses events rather than stalling
dispatch. The web status endpoint subscribes to it.
*/
package events
