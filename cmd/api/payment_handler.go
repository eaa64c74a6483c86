package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/Mekazstan/relworx-payment-gateway/internal/auth"
	"github.com/Mekazstan/relworx-payment-gateway/internal/gateway"
	"github.com/Mekazstan/relworx-payment-gateway/internal/orders"
	"github.com/Mekazstan/relworx-payment-gateway/internal/payment"
	"github.com/shopspring/decimal"
)

const (
	maxPayBodyBytes     = 64 << 10
	maxWebhookBodyBytes = 1 << 20
)

func (cfg *apiConfig) initiatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	var params gateway.PayRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPayBodyBytes)).Decode(&params); err != nil {
		respondWithJSON(w, http.StatusBadRequest, ApiResponse{
			Success: false,
			Errors:  []gateway.FieldError{{Field: "_", Message: "Request body must be a valid JSON object."}},
		})
		return
	}

	// a disconnecting client must not abort dispatch or persistence
	ctx := context.WithoutCancel(r.Context())

	res, err := cfg.initiator.Initiate(ctx, params)
	switch {
	case err == nil:
		respondWithJSON(w, http.StatusOK, ApiResponse{
			Success:     true,
			Message:     res.Message,
			Data:        rawOrNil(res.Data),
			Reference:   res.Reference,
			StatusToken: res.StatusToken,
		})
	case gateway.KindOf(err) == gateway.KindUpstream && res != nil:
		respondWithJSON(w, http.StatusBadRequest, ApiResponse{
			Success:   false,
			Message:   res.Message,
			Data:      rawOrNil(res.Data),
			Reference: res.Reference,
		})
	default:
		respondWithGatewayError(w, err, cfg.showErrorDetail)
	}
}

func (cfg *apiConfig) relworxWebhookHandler(w http.ResponseWriter, r *http.Request) {
	// the signature covers these exact bytes, so read them before any decoding
	rawBody, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Unable to read webhook body")
		return
	}

	ctx := context.WithoutCancel(r.Context())

	res, err := cfg.reconciler.Reconcile(ctx, rawBody, r.Header.Get(payment.SignatureHeader))
	if err != nil {
		respondWithGatewayError(w, err, cfg.showErrorDetail)
		return
	}

	if res.Outcome == gateway.OutcomeDuplicate {
		respondWithJSON(w, http.StatusOK, ApiResponse{Success: true, Message: "Already processed"})
		return
	}

	respondWithJSON(w, http.StatusOK, ApiResponse{Success: true, Message: "Webhook processed"})
}

type orderStatusResponse struct {
	Reference        string          `json:"reference"`
	Status           orders.Status   `json:"status"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	PaymentMethod    orders.Method   `json:"payment_method"`
	Provider         string          `json:"provider,omitempty"`
	SubscriptionType string          `json:"subscription_type"`
	DeviceCount      int             `json:"device_count"`
	TransactionID    string          `json:"transaction_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (cfg *apiConfig) getOrderStatusHandler(w http.ResponseWriter, r *http.Request) {
	reference := r.PathValue("reference")

	token, err := auth.GetBearerToken(r.Header)
	if err != nil {
		respondWithError(w, http.StatusUnauthorized, "A status token is required")
		return
	}

	tokenRef, err := cfg.tokens.Validate(token)
	if err != nil {
		respondWithError(w, http.StatusUnauthorized, "The provided token is invalid or has expired")
		return
	}
	if tokenRef != reference {
		respondWithError(w, http.StatusForbidden, "This token does not grant access to that order")
		return
	}

	o, err := cfg.store.Get(r.Context(), reference)
	if errors.Is(err, orders.ErrOrderNotFound) {
		respondWithError(w, http.StatusNotFound, "Order not found")
		return
	}
	if err != nil {
		respondWithGatewayError(w, gateway.PersistenceError("Failed to load order", err), cfg.showErrorDetail)
		return
	}

	respondWithJSON(w, http.StatusOK, ApiResponse{
		Success: true,
		Data: orderStatusResponse{
			Reference:        o.Reference,
			Status:           o.Status,
			Amount:           o.Amount,
			Currency:         o.Currency,
			PaymentMethod:    o.PaymentMethod,
			Provider:         o.Provider,
			SubscriptionType: string(o.SubscriptionType),
			DeviceCount:      o.DeviceCount,
			TransactionID:    o.TransactionID,
			CreatedAt:        o.CreatedAt,
			UpdatedAt:        o.UpdatedAt,
		},
	})
}

func rawOrNil(b json.RawMessage) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
