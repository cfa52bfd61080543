// Package webchat serves one streaming conversation per websocket connection.
//
// Ownership model:
//   - Server owns the listener, the /ws/session/{session_id} route and shutdown.
//   - Handler owns a connection's conversation context and drives the
//     receive, generate and persist loop until an Outcome other than Continue.
//   - Every ending funnels into one finalize step that summarizes the
//     session, publishes a notification and closes the socket.
package webchat
