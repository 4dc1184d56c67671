// Package fanout tracks live observer connections per user and pushes message
// payloads to all of them. New subscribers first receive a replay snapshot of
// their most recent thread; a connection whose send fails is closed and
// removed without disturbing the others.
package fanout
