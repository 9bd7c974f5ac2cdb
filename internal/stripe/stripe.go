package stripe

import (
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dietwise/entitlement/internal/event"
)

type Config struct {
	WebhookSecret string
}

type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	return &Client{cfg: cfg}
}

// VerificationError marks a webhook delivery that failed authentication
// (bad signature, tampered body, or stale timestamp). It is distinct from
// business errors: the endpoint answers 400 so the processor stops retrying.
type VerificationError struct {
	Err error
}

func (e *VerificationError) Error() string {
	return "webhook verification failed: " + e.Err.Error()
}

func (e *VerificationError) Unwrap() error { return e.Err }

// VerifyWebhook authenticates a raw webhook body against the signature
// header and returns the parsed envelope. Verification runs over the exact
// bytes received; the body must not be parsed or re-serialized first.
// Payloads whose embedded timestamp is older than webhook.DefaultTolerance
// (5 minutes) are rejected to limit replay of captured deliveries.
func (c *Client) VerifyWebhook(payload []byte, sigHeader string) (event.Envelope, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, sigHeader, c.cfg.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return event.Envelope{}, &VerificationError{Err: err}
	}
	return event.FromStripe(ev), nil
}
