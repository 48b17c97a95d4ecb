// Package signaling implements the mesh signaling server: a registry of
// connected peers keyed by identifier, membership broadcast (peers, addPeer,
// delPeer) and addressed relay of rtc negotiation envelopes.
//
// The server never inspects offer, answer or ICE payloads; it only checks the
// envelope addressing and forwards the payload bytes to the recipient.
package signaling
