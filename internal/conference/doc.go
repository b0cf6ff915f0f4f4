// Package conference holds the session state model: peers, rooms and the
// registry that owns them. It enforces the negotiation ordering (capabilities
// before join, transports before produce/consume) and runs the cleanup
// cascade when a peer disconnects. Wire concerns live in the signaling
// package; media concerns live in the engine package.
package conference
