// Package session owns the framed connection used on every master link.
//
// Ownership boundary:
//   - Conn: one framed stream implementing peer.Peer, with request/response
//     correlation by message id, request timeouts and heartbeats
//   - Dial/Connect/Listen: transport setup with optional TLS
//   - retry backoff for spawner hosts reconnecting to the master
package session
