// Command payment-webhook-sim posts a signed Stripe payment_intent event for a
// reservation, for local runs without the Stripe CLI.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

func main() {
	var (
		baseURL     = flag.String("base-url", getenv("BASE_URL", "http://localhost:8080"), "reservation service base url")
		evtType     = flag.String("type", getenv("STRIPE_EVENT_TYPE", "payment_intent.succeeded"), "payment_intent.succeeded, payment_intent.payment_failed or payment_intent.canceled")
		reservation = flag.String("reservation-id", getenv("RESERVATION_ID", ""), "reservation_id metadata")
		amount      = flag.Int64("amount", 0, "amount in minor units")
		currency    = flag.String("currency", getenv("CURRENCY", "bdt"), "currency code")
		secret      = flag.String("secret", getenv("STRIPE_WEBHOOK_SECRET", ""), "stripe webhook signing secret (whsec_...)")
	)
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		fatal("STRIPE_WEBHOOK_SECRET is required")
	}
	if strings.TrimSpace(*reservation) == "" {
		fatal("RESERVATION_ID is required")
	}

	now := time.Now().UTC()
	eventID := fmt.Sprintf("evt_test_%d", now.UnixNano())

	payload, err := buildEventJSON(eventID, *evtType, now, *reservation, *amount, *currency)
	if err != nil {
		fatal(err.Error())
	}

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    *secret,
		Timestamp: now,
		Scheme:    "v1",
	})

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*baseURL, "/")+"/api/v1/webhooks/stripe", bytes.NewReader(payload))
	if err != nil {
		fatal(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	fmt.Printf("status=%d body=%s\n", resp.StatusCode, strings.TrimSpace(string(body)))
}

func buildEventJSON(eventID, eventType string, t time.Time, reservationID string, amount int64, currency string) ([]byte, error) {
	status := map[string]string{
		"payment_intent.succeeded":      "succeeded",
		"payment_intent.payment_failed": "requires_payment_method",
		"payment_intent.canceled":       "canceled",
	}[eventType]
	if status == "" {
		return nil, fmt.Errorf("unsupported event type: %s", eventType)
	}
	return json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"created":     t.Unix(),
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"data": map[string]any{
			"object": map[string]any{
				"id":       "pi_test_" + reservationID,
				"object":   "payment_intent",
				"amount":   amount,
				"currency": strings.ToLower(currency),
				"status":   status,
				"metadata": map[string]any{
					"reservation_id": reservationID,
				},
			},
		},
	})
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
