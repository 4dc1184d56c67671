// Package relay contains the thread-affinity routing core.
//
// # Submission path
//
// Service.Submit relays one end-user message into the provider workspace:
//
//  1. The Resolver checks whether the user has a thread with activity inside
//     the recency window. If so, the message is dispatched as a threaded
//     reply; otherwise a new top-level message starts a thread, carrying the
//     sender's identity in its visible text.
//  2. On a confirmed dispatch the message is persisted with the provider's
//     id; the root message of a new thread stores its own id as thread id.
//  3. The message is pushed to all live observers of the submitting user.
//
// Dispatch is the commit point: a provider failure leaves no trace, while a
// persistence failure after dispatch is surfaced as an orphaned-message
// error.
//
// # Intake path
//
// Service.Ingest handles the provider's asynchronous callbacks. Webhook
// bodies are decoded once into tagged variants (verification challenge,
// message event, other). Only operator replies inside a known thread are
// persisted and fanned out; bot-originated events, redeliveries, top-level
// messages and unknown threads are acknowledged as no-ops.
package relay
