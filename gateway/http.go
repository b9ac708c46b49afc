package gateway

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"buildhook/shared/apperr"
	"buildhook/shared/model"
)

// MaxBodyBytes bounds a delivery body. GitHub caps payloads at 25MB.
const MaxBodyBytes = 25 << 20

// Register mounts the webhook endpoints on r.
func (g *Gateway) Register(r *mux.Router) {
	r.HandleFunc("/webhooks/{provider}", g.HandleWebhook).Methods(http.MethodPost)
	r.HandleFunc("/webhooks/{provider}/{projectID}", g.HandleWebhook).Methods(http.MethodPost)
}

func (g *Gateway) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	provider := model.Provider(vars["provider"])

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	if len(body) > MaxBodyBytes {
		http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	receipt, err := g.Receive(r.Context(), Delivery{
		Provider:  provider,
		ProjectID: vars["projectID"],
		Header:    r.Header,
		Body:      body,
	})
	if err != nil {
		label := string(provider)
		if _, ok := providers[provider]; !ok {
			label = "unknown"
		}
		g.metrics.WebhooksReceived.WithLabelValues(label, string(model.EventUnknown), apperr.KindOf(err).String()).Inc()

		status := apperr.HTTPStatus(err)
		msg := err.Error()
		if status >= http.StatusInternalServerError {
			g.log.Error("❌ Failed to handle webhook", zap.String("provider", string(provider)), zap.Error(err))
			msg = "internal error"
		} else {
			g.log.Warn("⚠️ Webhook rejected", zap.String("provider", string(provider)), zap.Error(err))
		}
		writeJSON(w, status, map[string]string{"error": msg})
		return
	}

	g.metrics.WebhooksReceived.WithLabelValues(string(provider), string(receipt.Kind), receipt.Status).Inc()
	code := http.StatusOK
	if receipt.Status == StatusAccepted {
		code = http.StatusAccepted
	}
	writeJSON(w, code, receipt)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
