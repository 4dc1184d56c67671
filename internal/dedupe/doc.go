// Package dedupe provides a time-based seen-id cache used to drop webhook
// events that the provider redelivers.
package dedupe
