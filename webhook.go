package growlog

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookPayload is an alert webhook delivery (POST to the subscriber's
// endpoint).
type WebhookPayload struct {
	Source    string       `json:"source"`
	Event     string       `json:"event"`
	Timestamp int64        `json:"timestamp"`
	Alert     WebhookAlert `json:"alert"`
	Room      WebhookRoom  `json:"room"`
}

// WebhookAlert is the alert carried by a webhook payload.
type WebhookAlert struct {
	ID        string  `json:"id"`
	Metric    string  `json:"metric"`
	Severity  string  `json:"severity"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	SensorID  string  `json:"sensorId"`
	RaisedAt  string  `json:"raisedAt"`
}

// WebhookRoom identifies the room an alert fired in.
type WebhookRoom struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// WebhookAck is an optional acknowledgment returned by a webhook handler.
type WebhookAck struct {
	Acknowledged bool   `json:"acknowledged"`
	Note         string `json:"note,omitempty"`
}

// WebhookHandlerFunc is the callback signature for handling alert deliveries.
type WebhookHandlerFunc func(payload *WebhookPayload) (*WebhookAck, error)

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies an alert webhook signature using
// HMAC-SHA256. Uses constant-time comparison to prevent timing attacks.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := signature
	if strings.HasPrefix(sig, "sha256=") {
		sig = sig[7:]
	}
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookPayload parses a raw webhook body into a typed WebhookPayload.
func ParseWebhookPayload(body string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if payload.Source != "growlog" {
		return nil, fmt.Errorf("unknown webhook source: %s", payload.Source)
	}
	if payload.Event == "" {
		return nil, fmt.Errorf("missing event field in webhook payload")
	}
	if payload.Alert.ID == "" || payload.Room.ID == "" {
		return nil, fmt.Errorf("missing required fields in webhook payload (alert, room)")
	}

	return &payload, nil
}

// ============================================================================
// AlertWebhook
// ============================================================================

// AlertWebhook handles alert webhook verification, parsing, and dispatch.
type AlertWebhook struct {
	secret  string
	onAlert WebhookHandlerFunc
}

// NewAlertWebhook creates a new webhook handler.
func NewAlertWebhook(secret string, onAlert WebhookHandlerFunc) (*AlertWebhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &AlertWebhook{
		secret:  secret,
		onAlert: onAlert,
	}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *AlertWebhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Parse parses a raw body into a typed WebhookPayload.
func (w *AlertWebhook) Parse(body string) (*WebhookPayload, error) {
	return ParseWebhookPayload(body)
}

// Handle processes a webhook request (verify + parse + call handler).
// Returns the status code and response body for the caller to write.
func (w *AlertWebhook) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := w.Parse(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	ack, err := w.onAlert(payload)
	if err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}

	if ack != nil {
		return http.StatusOK, ack
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := growlog.NewAlertWebhook("secret", handler)
//	http.Handle("/webhook", wh.HTTPHandler())
func (w *AlertWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		body := string(bodyBytes)
		signature := r.Header.Get("X-Growlog-Signature")

		statusCode, data := w.Handle(body, signature)

		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(statusCode)
		json.NewEncoder(rw).Encode(data)
	})
}
