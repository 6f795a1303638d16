// Package master owns the coordination endpoint.
//
// Ownership boundary:
//   - accepting spawner hosts, game servers and players on one listener
//   - binding a username to a connection (identify)
//   - routing requests to the spawn service, the room directory and the
//     lobby directory
//   - the dispatch, reaper and access-sweep timers
//
// Master does not launch processes; spawner hosts do.
package master
