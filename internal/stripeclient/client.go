package stripeclient

import (
	"context"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"

	"creatorstudio/pkg/logging"
)

// Client wraps the Stripe operations the service needs: creating one-time
// checkout sessions for credit packs. Crediting itself happens on the
// webhook path, keyed by the session id.
type Client struct {
	secretKey string
	logger    logging.Logger
}

// Config for creating a new Stripe client
type Config struct {
	SecretKey string // STRIPE_SECRET_KEY
	Logger    logging.Logger
}

// NewClient creates a new Stripe client
func NewClient(config Config) *Client {
	// stripe-go uses a package-global API key
	stripe.Key = config.SecretKey

	return &Client{
		secretKey: config.SecretKey,
		logger:    config.Logger,
	}
}

// Configured reports whether a secret key is present.
func (c *Client) Configured() bool {
	return c != nil && c.secretKey != ""
}

// CheckoutParams describes a credit-pack purchase.
type CheckoutParams struct {
	UserID     string
	Credits    int64  // credits granted on completion
	PriceID    string // Stripe Price for the pack
	SuccessURL string
	CancelURL  string
}

// CreateCreditCheckout creates a one-time-payment Checkout Session whose
// metadata carries everything the webhook needs to credit the buyer.
func (c *Client) CreateCreditCheckout(ctx context.Context, params CheckoutParams) (*stripe.CheckoutSession, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("stripe is not configured")
	}
	if params.Credits <= 0 {
		return nil, fmt.Errorf("credits must be positive")
	}

	sessionParams := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(params.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(params.SuccessURL),
		CancelURL:  stripe.String(params.CancelURL),
		Metadata: map[string]string{
			"user_id": params.UserID,
			"credits": strconv.FormatInt(params.Credits, 10),
		},
	}

	sess, err := checkoutsession.New(sessionParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	c.logger.WithFields(logging.Fields{
		"session_id": sess.ID,
		"user_id":    params.UserID,
		"credits":    params.Credits,
	}).Info("Created Stripe checkout session for credit pack")

	return sess, nil
}
