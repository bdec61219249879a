package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/retention-engine/internal/errors"
	"github.com/unclebandit/retention-engine/internal/model"
	"github.com/unclebandit/retention-engine/internal/service"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Signature"

const maxWebhookBody = 1 << 20

type EventApplier interface {
	ApplyEvent(ctx context.Context, ev model.DeliveryEvent) (service.EventResult, error)
}

// WebhookHandler receives delivery callbacks from channel providers. It
// answers 200 for anything the provider should not redeliver, including
// duplicates, out-of-order events and unknown campaigns.
type WebhookHandler struct {
	Tracker EventApplier
	// Secret enables signature checks when non-empty.
	Secret string
	Logger *zap.Logger
}

func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "could not read body", http.StatusBadRequest)
		return
	}

	if h.Secret != "" && !validSignature(h.Secret, body, r.Header.Get(SignatureHeader)) {
		h.Logger.Warn("webhook signature mismatch", zap.String("remote", r.RemoteAddr))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var ev model.DeliveryEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, "Bad JSON", http.StatusBadRequest)
		return
	}

	result, err := h.Tracker.ApplyEvent(r.Context(), ev)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"result": string(result)})
	case errors.Is(err, appErrors.ErrInvalidEvent):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case appErrors.IsNotFound(err):
		h.Logger.Warn("webhook event for unknown campaign",
			zap.String("campaign_id", ev.CampaignID), zap.String("event_id", ev.EventID))
		writeJSON(w, http.StatusOK, map[string]string{"result": "unknown_campaign"})
	default:
		// 5xx makes the provider retry later.
		h.Logger.Error("webhook event not applied", zap.String("event_id", ev.EventID), zap.Error(err))
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
	}
}

// Sign returns the signature a provider sends for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func validSignature(secret string, body []byte, header string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	if err != nil || len(got) == 0 {
		return false
	}
	want, _ := hex.DecodeString(Sign(secret, body))
	return hmac.Equal(got, want)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
