// ABOUTME: Package documentation for httpapi
// ABOUTME: Describes the relay's HTTP surface

// Package httpapi exposes the relay over HTTP: end-user message submission,
// the provider's event webhook, and a per-user WebSocket that replays the
// latest thread and then streams live messages.
package httpapi
