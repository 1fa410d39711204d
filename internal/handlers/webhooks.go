package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"creatorstudio/internal/ledger"
	"creatorstudio/pkg/config"
	"creatorstudio/pkg/kafka"
	"creatorstudio/pkg/logging"
	"creatorstudio/pkg/middleware"
)

const stripeSignatureTolerance = 5 * time.Minute

// stripeEvent is the envelope of a Stripe webhook payload.
type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// checkoutSession is the slice of a Checkout Session the credit path needs.
type checkoutSession struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

// HandleStripeWebhook processes Stripe events. Credits are granted on
// checkout.session.completed; every other event type is acknowledged and
// ignored. Redeliveries are absorbed twice over: a processed-event marker
// and the ledger's external_reference uniqueness.
func HandleStripeWebhook(c middleware.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to read request body"})
		return
	}

	secret := config.GetEnv("STRIPE_WEBHOOK_SECRET", "")
	if secret != "" {
		if err := verifyStripeSignature(body, c.GetHeader("Stripe-Signature"), secret, time.Now()); err != nil {
			if metrics != nil {
				metrics.WebhookSignatureFailures.Inc()
			}
			logger.WithError(err).Warn("Rejected Stripe webhook with bad signature")
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid signature"})
			return
		}
	} else {
		// Unverified mode for local development only. Anyone who can reach
		// this endpoint can mint credits while the secret is unset.
		logger.Warn("STRIPE_WEBHOOK_SECRET not set, accepting webhook without verification")
	}

	var event stripeEvent
	if err := json.Unmarshal(body, &event); err != nil || event.ID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid webhook payload"})
		return
	}

	log := logger.WithFields(logging.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
	})

	processed, err := isWebhookProcessed(c, "stripe", event.ID)
	if err != nil {
		log.WithError(err).Error("Failed to check webhook idempotency")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to process webhook"})
		return
	}
	if processed {
		log.Info("Webhook event already processed, acknowledging")
		c.JSON(http.StatusOK, middleware.H{"received": true})
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		if err := handleCheckoutCompleted(c, event); err != nil {
			recordWebhook(event.Type, "error")
			if errors.Is(err, errInvalidSession) {
				c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
				return
			}
			log.WithError(err).Error("Failed to handle checkout completion")
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to process webhook"})
			return
		}
		recordWebhook(event.Type, "processed")
	default:
		log.Info("Ignoring unhandled webhook event type")
		recordWebhook(event.Type, "ignored")
	}

	if err := markWebhookProcessed(c, "stripe", event.ID, event.Type); err != nil {
		// The ledger reference already guards against a re-credit, so a
		// failed marker only costs a redundant redelivery pass.
		log.WithError(err).Warn("Failed to mark webhook event processed")
	}

	c.JSON(http.StatusOK, middleware.H{"received": true})
}

// errInvalidSession marks payloads the webhook cannot act on; these come back
// as 400 so Stripe surfaces them instead of retrying forever.
var errInvalidSession = errors.New("invalid checkout session")

func handleCheckoutCompleted(c middleware.Context, event stripeEvent) error {
	var sess checkoutSession
	if err := json.Unmarshal(event.Data.Object, &sess); err != nil || sess.ID == "" {
		return fmt.Errorf("%w: malformed session object", errInvalidSession)
	}

	userID := sess.Metadata["user_id"]
	credits, _ := strconv.ParseInt(sess.Metadata["credits"], 10, 64)
	if userID == "" || credits <= 0 {
		logger.WithFields(logging.Fields{
			"event_id":   event.ID,
			"session_id": sess.ID,
		}).Warn("Checkout session missing credit metadata")
		return fmt.Errorf("%w: missing credit metadata", errInvalidSession)
	}

	newBalance, err := ledgerSvc.Credit(c.Request.Context(), userID, credits, ledger.TypePurchase,
		fmt.Sprintf("Purchased %d credits", credits), sess.ID)
	if err != nil {
		return fmt.Errorf("failed to credit purchase: %w", err)
	}

	if err := events.Publish(kafka.Event{
		EventID:   event.ID,
		EventType: "credits.credited",
		UserID:    userID,
		Amount:    credits,
		Balance:   newBalance,
		Reference: sess.ID,
		Timestamp: time.Now().Unix(),
	}); err != nil {
		logger.WithError(err).Warn("Failed to publish credit event")
	}

	logger.WithFields(logging.Fields{
		"user_id":     userID,
		"session_id":  sess.ID,
		"credits":     credits,
		"new_balance": newBalance,
	}).Info("Credited completed checkout")
	return nil
}

// verifyStripeSignature checks a Stripe-Signature header of the form
// "t=<unix>,v1=<hex hmac>" against HMAC-SHA256("<t>.<payload>", secret).
func verifyStripeSignature(payload []byte, header, secret string, now time.Time) error {
	if header == "" {
		return fmt.Errorf("missing signature header")
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return fmt.Errorf("malformed signature header")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid signature timestamp")
	}
	if math.Abs(now.Sub(time.Unix(ts, 0)).Seconds()) > stripeSignatureTolerance.Seconds() {
		return fmt.Errorf("signature timestamp outside tolerance")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, sig := range signatures {
		decoded, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return nil
		}
	}
	return fmt.Errorf("no matching signature")
}

func isWebhookProcessed(c middleware.Context, provider, eventID string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(c.Request.Context(), `
		SELECT EXISTS (
			SELECT 1 FROM webhook_events WHERE provider = $1 AND event_id = $2
		)
	`, provider, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query webhook events: %w", err)
	}
	return exists, nil
}

func markWebhookProcessed(c middleware.Context, provider, eventID, eventType string) error {
	_, err := db.ExecContext(c.Request.Context(), `
		INSERT INTO webhook_events (provider, event_id, event_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, event_id) DO NOTHING
	`, provider, eventID, eventType)
	if err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	return nil
}

func recordWebhook(eventType, status string) {
	if metrics == nil {
		return
	}
	metrics.WebhookEvents.WithLabelValues(eventType, status).Inc()
}
