package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/arenda-io/arenda/internal/config"
	"github.com/arenda-io/arenda/internal/gateway/domain"
)

const defaultBaseURL = "https://api.stripe.com"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "stripe"
}

func (f *Factory) New(cfg config.GatewayConfig) (domain.Gateway, error) {
	secretKey := strings.TrimSpace(cfg.SecretKey)
	if secretKey == "" {
		return nil, domain.ErrInvalidConfig
	}
	webhookSecret := strings.TrimSpace(cfg.WebhookSecret)
	if webhookSecret == "" {
		return nil, domain.ErrInvalidConfig
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Adapter{
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
		baseURL:       baseURL,
		client:        &http.Client{Timeout: timeout},
	}, nil
}

type Adapter struct {
	secretKey     string
	webhookSecret string
	baseURL       string
	client        *http.Client
}

func (a *Adapter) Provider() string {
	return "stripe"
}

func (a *Adapter) EnsureCustomer(ctx context.Context, userRef, email string) (string, error) {
	form := url.Values{}
	form.Set("metadata[user_ref]", userRef)
	if email != "" {
		form.Set("email", email)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := a.post(ctx, "/v1/customers", form, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (a *Adapter) CreateEphemeralKey(ctx context.Context, customerRef string) (string, error) {
	form := url.Values{}
	form.Set("customer", customerRef)

	var out struct {
		Secret string `json:"secret"`
	}
	if err := a.post(ctx, "/v1/ephemeral_keys", form, &out); err != nil {
		return "", err
	}
	return out.Secret, nil
}

func (a *Adapter) CreateChargeIntent(ctx context.Context, in domain.CreateChargeIntentInput) (*domain.ChargeIntent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(in.Amount, 10))
	form.Set("currency", strings.ToLower(in.Currency))
	form.Set("automatic_payment_methods[enabled]", "true")
	if in.CustomerRef != "" {
		form.Set("customer", in.CustomerRef)
	}
	for key, value := range in.Metadata {
		form.Set(fmt.Sprintf("metadata[%s]", key), value)
	}

	var out struct {
		ID           string `json:"id"`
		ClientSecret string `json:"client_secret"`
	}
	if err := a.post(ctx, "/v1/payment_intents", form, &out); err != nil {
		return nil, err
	}
	return &domain.ChargeIntent{
		IntentID:     out.ID,
		ClientSecret: out.ClientSecret,
	}, nil
}

func (a *Adapter) RetrieveCharge(ctx context.Context, intentID string) (*domain.Charge, error) {
	var out struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := a.get(ctx, "/v1/payment_intents/"+url.PathEscape(intentID), &out); err != nil {
		return nil, err
	}
	return &domain.Charge{
		IntentID: out.ID,
		State:    mapIntentStatus(out.Status),
		Amount:   out.Amount,
		Currency: strings.ToUpper(out.Currency),
	}, nil
}

func (a *Adapter) CreateRefund(ctx context.Context, intentID, reason string, metadata map[string]string) (*domain.Refund, error) {
	form := url.Values{}
	form.Set("payment_intent", intentID)
	if mapped := mapRefundReason(reason); mapped != "" {
		form.Set("reason", mapped)
	}
	for key, value := range metadata {
		form.Set(fmt.Sprintf("metadata[%s]", key), value)
	}

	var out struct {
		ID     string `json:"id"`
		Amount int64  `json:"amount"`
	}
	err := a.post(ctx, "/v1/refunds", form, &out)
	if err != nil {
		var apiErr *apiError
		if asAPIError(err, &apiErr) && apiErr.alreadyTerminal() {
			return &domain.Refund{AlreadyRefunded: true}, nil
		}
		return nil, err
	}
	return &domain.Refund{RefundID: out.ID, Amount: out.Amount}, nil
}

func (a *Adapter) CancelChargeIntent(ctx context.Context, intentID string) error {
	err := a.post(ctx, "/v1/payment_intents/"+url.PathEscape(intentID)+"/cancel", url.Values{}, &struct{}{})
	if err != nil {
		var apiErr *apiError
		if asAPIError(err, &apiErr) && apiErr.alreadyTerminal() {
			return nil
		}
		return err
	}
	return nil
}

// VerifyWebhook checks the Stripe-Signature header against the webhook secret
// before parsing the body. The HMAC scheme is t=<unix>,v1=<hex> over
// "<t>.<payload>".
func (a *Adapter) VerifyWebhook(payload []byte, headers http.Header) (*domain.Event, error) {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return nil, domain.ErrInvalidSignature
	}

	timestamp, signatures, ok := parseSignatureHeader(sigHeader)
	if !ok {
		return nil, domain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	verified := false
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			verified = true
			break
		}
	}
	if !verified {
		return nil, domain.ErrInvalidSignature
	}

	return a.parseEvent(payload)
}

func (a *Adapter) parseEvent(payload []byte) (*domain.Event, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, domain.ErrInvalidPayload
	}

	var eventType string
	switch strings.TrimSpace(event.Type) {
	case "payment_intent.succeeded":
		eventType = domain.EventTypePaymentSucceeded
	case "payment_intent.processing":
		eventType = domain.EventTypePaymentProcessing
	case "payment_intent.payment_failed":
		eventType = domain.EventTypePaymentFailed
	case "payment_intent.canceled":
		eventType = domain.EventTypePaymentCanceled
	case "charge.refunded":
		return a.parseChargeEvent(event, payload)
	default:
		return nil, domain.ErrEventIgnored
	}

	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(intent.ID) == "" {
		return nil, domain.ErrInvalidPayload
	}

	amount := intent.AmountReceived
	if amount <= 0 {
		amount = intent.Amount
	}

	return &domain.Event{
		Provider:        "stripe",
		ProviderEventID: event.ID,
		Type:            eventType,
		ChargeRef:       intent.ID,
		Amount:          amount,
		Currency:        strings.ToUpper(strings.TrimSpace(intent.Currency)),
		OccurredAt:      timestamp(intent.Created, event.Created),
		RawPayload:      payload,
	}, nil
}

func (a *Adapter) parseChargeEvent(event stripeEvent, payload []byte) (*domain.Event, error) {
	var charge stripeCharge
	if err := json.Unmarshal(event.Data.Object, &charge); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(charge.PaymentIntent) == "" {
		return nil, domain.ErrInvalidPayload
	}

	amount := charge.AmountRefunded
	if amount <= 0 {
		amount = charge.Amount
	}

	return &domain.Event{
		Provider:        "stripe",
		ProviderEventID: event.ID,
		Type:            domain.EventTypeRefunded,
		ChargeRef:       charge.PaymentIntent,
		Amount:          amount,
		Currency:        strings.ToUpper(strings.TrimSpace(charge.Currency)),
		OccurredAt:      timestamp(charge.Created, event.Created),
		RawPayload:      payload,
	}, nil
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripePaymentIntent struct {
	ID             string `json:"id"`
	Amount         int64  `json:"amount"`
	AmountReceived int64  `json:"amount_received"`
	Currency       string `json:"currency"`
	Created        int64  `json:"created"`
}

type stripeCharge struct {
	ID             string `json:"id"`
	PaymentIntent  string `json:"payment_intent"`
	Amount         int64  `json:"amount"`
	AmountRefunded int64  `json:"amount_refunded"`
	Currency       string `json:"currency"`
	Created        int64  `json:"created"`
}

type apiError struct {
	Status  int
	Type    string
	Code    string
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("stripe: %s (%s, http %d)", e.Message, e.Code, e.Status)
}

// alreadyTerminal reports whether the remote resource is already in the state
// a refund/cancel call would have produced.
func (e *apiError) alreadyTerminal() bool {
	switch e.Code {
	case "charge_already_refunded", "payment_intent_unexpected_state":
		return true
	}
	return false
}

func asAPIError(err error, target **apiError) bool {
	apiErr, ok := err.(*apiError)
	if !ok {
		return false
	}
	*target = apiErr
	return true
}

func (a *Adapter) post(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return a.do(req, out)
}

func (a *Adapter) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return err
	}
	return a.do(req, out)
}

func (a *Adapter) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+a.secretKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: http %d", domain.ErrGatewayUnavailable, resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNotFound {
		return domain.ErrChargeNotFound
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var wrapper struct {
			Error struct {
				Type    string `json:"type"`
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(body, &wrapper); err != nil {
			return fmt.Errorf("%w: http %d", domain.ErrGatewayDeclined, resp.StatusCode)
		}
		return &apiError{
			Status:  resp.StatusCode,
			Type:    wrapper.Error.Type,
			Code:    wrapper.Error.Code,
			Message: wrapper.Error.Message,
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return nil
}

func mapIntentStatus(status string) domain.ChargeState {
	switch strings.TrimSpace(status) {
	case "succeeded":
		return domain.ChargeStateSucceeded
	case "processing":
		return domain.ChargeStateProcessing
	case "requires_action", "requires_confirmation":
		return domain.ChargeStateRequiresAction
	case "canceled":
		return domain.ChargeStateCanceled
	default:
		// requires_payment_method means the intent is waiting on the payer,
		// not that the payment is lost. Anything unrecognized is treated the
		// same way so a new provider status never kills a live payment.
		return domain.ChargeStatePending
	}
}

func mapRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case "duplicate":
		return "duplicate"
	case "fraudulent":
		return "fraudulent"
	case "":
		return ""
	default:
		return "requested_by_customer"
	}
}

func parseSignatureHeader(header string) (string, []string, bool) {
	parts := strings.Split(header, ",")
	var ts string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			ts = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if ts == "" || len(signatures) == 0 {
		return "", nil, false
	}
	return ts, signatures, true
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}
