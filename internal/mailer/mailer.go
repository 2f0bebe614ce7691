package mailer

import "context"

// Transport is the single fallible capability the pipeline consumes: attempt
// one delivery, report success or failure. Protocol negotiation, TLS
// fallback and provider selection are entirely the implementation's concern.
type Transport interface {
	Send(ctx context.Context, recipient, subject, body string) error
}
