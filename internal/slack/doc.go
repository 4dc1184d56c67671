// Package slack is the vendor glue between the relay core and the Slack Web
// API. The relay only sees the Provider interface it defines itself; this
// package supplies the real implementation.
package slack
