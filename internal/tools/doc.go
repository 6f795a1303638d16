// Package tools holds the OS process adapter used by the spawner host.
//
// Ownership boundary:
//   - starting processes from an ordered argument list
//   - observing process exit and mapping exit codes
package tools
