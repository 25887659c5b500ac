// Package hooks dispatches agent-host lifecycle hook invocations.
//
// The host runs `ralph hook <event>` with a JSON payload on stdin and reads
// the JSON reply on stdout. A Stop reply with decision "block" feeds the
// reason back to the worker as its next directive; an empty reply lets the
// worker stop.
package hooks
