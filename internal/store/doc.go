// Package store provides persistent storage for relayed messages using SQLite.
//
// # Data Model
//
// The only stored entity is Message. A conversation thread is not a row of
// its own: it is the set of messages sharing a thread_id, ordered by
// created_at, and the root message of a thread has thread_id == id.
//
// # Ordering
//
// AppendMessage assigns created_at at write time and guarantees the assigned
// timestamps are strictly increasing, so ordering by created_at always
// reproduces append order within a thread.
//
// SQLiteStore is the production implementation; MockStore is an in-memory
// stand-in for tests.
package store
