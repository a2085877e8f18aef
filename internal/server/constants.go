// Package server exposes the pipeline's external interface over HTTP.
package server

import "time"

// Server configuration constants.
const (
	// IPRateLimitMessages bounds how many session submissions a single
	// remote address may make per IPRateLimitWindow.
	IPRateLimitMessages = 10
	IPRateLimitWindow   = time.Minute

	// streamPollInterval is how often handleStream re-checks a session's
	// status while streaming progress over WebSocket.
	streamPollInterval = 500 * time.Millisecond
)
