/*
Package web is the node's control panel: a /poke endpoint speaking the
one-line administrative command language (send, create-memory, execute,
invoke, or a bare poke that just triggers the queues), and a /status
endpoint for inspection. Both require the control nonce the node mints
at startup; it is accepted on every request until the node stops.
*/
package web
