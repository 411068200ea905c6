// Package push holds the outbound notification gateways. The Android
// service accepts a synchronous single-device send, the iOS one is fed in
// token batches by the delivery workers.
package push

import "context"

// StatusInvalidToken marks a token the platform reports as no longer
// registered. Callers route these into device cleanup.
const StatusInvalidToken = 8

// Message is one notification: an alert line plus free-form data
// properties the client app interprets.
type Message struct {
	Alert string
	Data  map[string]string
}

// Result is the per-token outcome of a batch send.
type Result struct {
	Token  string
	OK     bool
	Status int
	Err    error
}

// DirectGateway sends to a single device synchronously.
type DirectGateway interface {
	Send(ctx context.Context, token string, msg Message) (Result, error)
}

// BatchGateway sends one message to many devices and reports per-token
// results. A non-nil error means the whole batch failed to reach the
// platform and should be retried.
type BatchGateway interface {
	SendBatch(ctx context.Context, tokens []string, msg Message) ([]Result, error)
}

// FeedbackSource drains tokens the platform has flagged inactive since the
// last drain.
type FeedbackSource interface {
	Feedback(ctx context.Context) ([]string, error)
}
