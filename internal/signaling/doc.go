// Package signaling implements the WebSocket gateway used by conference
// clients. Each connection carries JSON request/response exchanges correlated
// by id, plus server-pushed notifications for room events. Requests from one
// connection are dispatched serially; different connections proceed
// concurrently.
package signaling
