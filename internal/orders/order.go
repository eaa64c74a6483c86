package orders

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further webhook may change the order.
func (s Status) Terminal() bool {
	return s != StatusPending
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ParseWebhookStatus maps the processor's status vocabulary onto ours.
// Only terminal outcomes are accepted.
func ParseWebhookStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "successful", "succeeded", "completed":
		return StatusSuccess, true
	case "failed", "failure":
		return StatusFailed, true
	case "cancelled", "canceled":
		return StatusCancelled, true
	}
	return "", false
}

type Method string

const (
	MethodMobileMoney Method = "mobile_money"
	MethodCard        Method = "card"
)

// ParseMethod accepts the canonical names plus the legacy "mobile" alias.
// An empty value defaults to mobile money.
func ParseMethod(raw string) (Method, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "mobile_money", "mobile":
		return MethodMobileMoney, true
	case "card":
		return MethodCard, true
	}
	return MethodMobileMoney, false
}

type SubscriptionType string

const (
	SubscriptionNew   SubscriptionType = "new"
	SubscriptionRenew SubscriptionType = "renew"
)

const (
	MinDeviceCount = 1
	MaxDeviceCount = 5
)

// Order is one purchase attempt, keyed by Reference.
type Order struct {
	Reference        string           `json:"reference"`
	Name             string           `json:"name"`
	Email            string           `json:"email"`
	Phone            string           `json:"phone"`
	Amount           decimal.Decimal  `json:"amount"`
	Currency         string           `json:"currency"`
	PaymentMethod    Method           `json:"payment_method"`
	Provider         string           `json:"provider"`
	SubscriptionType SubscriptionType `json:"subscription_type"`
	DeviceCount      int              `json:"device_count"`
	Status           Status           `json:"status"`
	TransactionID    string           `json:"transaction_id,omitempty"`
	ProviderResponse json.RawMessage  `json:"provider_response,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// StatusUpdate is the partial update a webhook applies.
type StatusUpdate struct {
	Status        Status
	TransactionID string
	UpdatedAt     time.Time
}

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrDuplicateOrder   = errors.New("order reference already exists")
	ErrAlreadyProcessed = errors.New("order already processed")
)
