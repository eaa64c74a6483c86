package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/Mekazstan/relworx-payment-gateway/internal/orders"
	"github.com/Mekazstan/relworx-payment-gateway/internal/payment"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

const (
	AnonymousName = "Anonymous"
	// AnonymousEmail marks an order whose payer gave no email. The .invalid
	// TLD can never be delivered to, and receipts are skipped for it.
	AnonymousEmail = "anonymous@example.invalid"

	DefaultProvider = "mtn"

	genericDispatchFailure = "Payment request failed. Please try again."
)

// Dispatcher sends one charge to the processor.
type Dispatcher interface {
	RequestPayment(ctx context.Context, ch payment.Charge) payment.Result
}

// OrderSink stores a newly created order.
type OrderSink interface {
	Exists(ctx context.Context, reference string) (bool, error)
	Persist(ctx context.Context, o *orders.Order) bool
}

// TokenIssuer issues a status token for a reference.
type TokenIssuer interface {
	Issue(reference string) (string, error)
}

// PayRequest is the client's purchase request.
type PayRequest struct {
	Reference        string      `json:"reference"`
	Name             string      `json:"name" validate:"max=255"`
	Email            string      `json:"email" validate:"omitempty,email,max=255"`
	Phone            string      `json:"phone" validate:"max=32"`
	Amount           json.Number `json:"amount" validate:"required,positive_decimal"`
	Currency         string      `json:"currency" validate:"omitempty,len=3,alpha"`
	PaymentMethod    string      `json:"payment_method"`
	Provider         string      `json:"provider" validate:"max=32"`
	SubscriptionType string      `json:"subscription_type" validate:"omitempty,oneof=new renew"`
	DeviceCount      int         `json:"device_count" validate:"omitempty,min=1,max=5"`
}

type InitiatorConfig struct {
	DefaultCurrency  string
	PhoneRules       payment.PhoneRules
	StrictValidation bool
}

// InitiateResult describes a settled initiation. It is returned for both
// dispatch outcomes; on failure it accompanies an upstream *Error.
type InitiateResult struct {
	Succeeded   bool
	Message     string
	Data        json.RawMessage
	Reference   string
	StatusToken string
	Persisted   bool
	Order       *orders.Order
}

type Initiator struct {
	dispatcher Dispatcher
	store      OrderSink
	refs       *payment.ReferenceGenerator
	tokens     TokenIssuer
	cfg        InitiatorConfig
	validate   *validator.Validate
	logger     *slog.Logger
}

func NewInitiator(dispatcher Dispatcher, store OrderSink, refs *payment.ReferenceGenerator, tokens TokenIssuer, cfg InitiatorConfig, logger *slog.Logger) *Initiator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "UGX"
	}
	if cfg.PhoneRules.CountryCode == "" {
		cfg.PhoneRules = payment.UgandaPhoneRules
	}
	return &Initiator{
		dispatcher: dispatcher,
		store:      store,
		refs:       refs,
		tokens:     tokens,
		cfg:        cfg,
		validate:   newValidator(),
		logger:     logger,
	}
}

// Initiate validates and normalizes req, dispatches it, and persists the
// resulting order whatever the dispatch outcome.
//
// Errors: validation failures return (nil, KindValidation) and a reference
// that already names an order returns (nil, KindConflict); neither reaches
// the processor. A failed dispatch returns the populated result together
// with a KindUpstream error.
func (in *Initiator) Initiate(ctx context.Context, req PayRequest) (*InitiateResult, error) {
	order, err := in.normalize(req)
	if err != nil {
		return nil, err
	}
	log := in.logger.With("reference", order.Reference)

	taken, err := in.store.Exists(ctx, order.Reference)
	if err != nil {
		// the stores are degraded; the fallback file still takes the write
		log.WarnContext(ctx, "could not check reference for reuse", "error", err)
	}
	if taken {
		log.WarnContext(ctx, "payment reference reused")
		return nil, ConflictError("Payment reference has already been used")
	}

	charge := payment.Charge{
		Method:           string(order.PaymentMethod),
		Reference:        order.Reference,
		Currency:         order.Currency,
		Amount:           order.Amount,
		SubscriptionType: string(order.SubscriptionType),
		Msisdn:           order.Phone,
		Provider:         order.Provider,
	}
	dispatched := in.dispatcher.RequestPayment(ctx, charge)

	order.ProviderResponse = dispatched.Body
	if dispatched.Succeeded {
		order.Status = orders.StatusPending
	} else {
		order.Status = orders.StatusFailed
	}

	res := &InitiateResult{
		Succeeded: dispatched.Succeeded,
		Data:      dispatched.Body,
		Reference: order.Reference,
		Order:     order,
	}

	res.Persisted = in.store.Persist(ctx, order)
	if !res.Persisted {
		log.ErrorContext(ctx, "order could not be stored anywhere", "status", order.Status)
	}

	if !dispatched.Succeeded {
		res.Message = dispatched.Message()
		if res.Message == "" {
			res.Message = genericDispatchFailure
		}
		log.WarnContext(ctx, "payment dispatch failed",
			"attempts", dispatched.Attempts, "upstream_status", dispatched.StatusCode)
		return res, &Error{Kind: KindUpstream, Message: res.Message}
	}

	res.Message = dispatched.Message()
	if res.Message == "" {
		res.Message = "Payment request sent. Approve the prompt to complete your purchase."
	}

	if in.tokens != nil {
		token, err := in.tokens.Issue(order.Reference)
		if err != nil {
			log.ErrorContext(ctx, "failed to issue status token", "error", err)
		} else {
			res.StatusToken = token
		}
	}

	log.InfoContext(ctx, "payment initiated", "method", order.PaymentMethod, "provider", order.Provider)
	return res, nil
}

// normalize validates req and turns it into a new order with defaults applied.
func (in *Initiator) normalize(req PayRequest) (*orders.Order, error) {
	req = trimmed(req)

	var fields []FieldError
	if err := in.validate.Struct(req); err != nil {
		fields = fieldErrors(err)
	}

	method, known := orders.ParseMethod(req.PaymentMethod)
	if !known && in.cfg.StrictValidation {
		fields = append(fields, FieldError{
			Field:   "payment_method",
			Message: messageForTag("oneof", "mobile_money mobile card"),
		})
	}
	if len(fields) > 0 {
		return nil, ValidationError(fields)
	}

	amount, err := decimal.NewFromString(req.Amount.String())
	if err != nil {
		return nil, ValidationError([]FieldError{{Field: "amount", Message: messageForTag("positive_decimal", "")}})
	}

	o := &orders.Order{
		Reference:        in.refs.Resolve(req.Reference),
		Name:             req.Name,
		Email:            strings.ToLower(req.Email),
		Phone:            in.cfg.PhoneRules.Normalize(req.Phone),
		Amount:           amount,
		Currency:         strings.ToUpper(req.Currency),
		PaymentMethod:    method,
		Provider:         strings.ToLower(req.Provider),
		SubscriptionType: orders.SubscriptionType(req.SubscriptionType),
		DeviceCount:      req.DeviceCount,
	}

	if o.Name == "" {
		o.Name = AnonymousName
	}
	if o.Email == "" {
		o.Email = AnonymousEmail
	}
	if o.Currency == "" {
		o.Currency = in.cfg.DefaultCurrency
	}
	if o.Provider == "" && o.PaymentMethod == orders.MethodMobileMoney {
		o.Provider = DefaultProvider
	}
	if o.SubscriptionType == "" {
		o.SubscriptionType = orders.SubscriptionNew
	}
	if o.DeviceCount == 0 {
		o.DeviceCount = orders.MinDeviceCount
	}
	return o, nil
}

// trimmed strips surrounding whitespace so validation sees what gets stored.
func trimmed(req PayRequest) PayRequest {
	req.Reference = strings.TrimSpace(req.Reference)
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	req.Phone = strings.TrimSpace(req.Phone)
	req.Amount = json.Number(strings.TrimSpace(req.Amount.String()))
	req.Currency = strings.TrimSpace(req.Currency)
	req.PaymentMethod = strings.TrimSpace(req.PaymentMethod)
	req.Provider = strings.TrimSpace(req.Provider)
	req.SubscriptionType = strings.TrimSpace(req.SubscriptionType)
	return req
}
