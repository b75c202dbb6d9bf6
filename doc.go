// # Go Client Package for Realtime Voice Document Chat
//
// This repository provides a Go package for building applications that hold real-time, two-way voice conversations with an AI assistant grounded in a selected document. It manages the full connection lifecycle over WebRTC: ephemeral credentials, SDP negotiation, microphone capture, the event protocol on the data channel, document context synchronization, and automatic reconnection with exponential backoff.
package realtime
