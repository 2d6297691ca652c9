package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"medcrm/config"
	"medcrm/utils"
)

const (
	maxResponseSize      = 1 << 20
	paymentKeyExpiration = 3600
)

// PaymentRequest описывает одну попытку оплаты через шлюз
type PaymentRequest struct {
	TransactionID uint
	Attempt       int
	Amount        decimal.Decimal
	Currency      string
	IntegrationID int
	Items         []Item
	Billing       BillingData
	Source        Source
}

// PaymentResult результат успешного прохождения протокола
type PaymentResult struct {
	OrderID         string
	MerchantOrderID string
	TransactionID   string
	BillReference   string
	RedirectURL     string
	Pending         bool
	Raw             json.RawMessage
}

// Reference возвращает идентификатор платежа на стороне шлюза
func (r *PaymentResult) Reference() string {
	if r.TransactionID != "" {
		return r.TransactionID
	}
	if r.BillReference != "" {
		return r.BillReference
	}
	return r.OrderID
}

// MerchantOrderID формирует уникальный номер заказа для попытки оплаты
func MerchantOrderID(transactionID uint, attempt int) string {
	return fmt.Sprintf("%d-%d", transactionID, attempt)
}

// Client реализует протокол шлюза: аутентификация, заказ, платежный ключ, оплата
type Client struct {
	cfg        config.GatewayConfig
	httpClient *http.Client
	metrics    *utils.Metrics
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error

	mu             sync.RWMutex
	token          string
	tokenExpiresAt time.Time
	authGroup      singleflight.Group
}

// NewClient создает клиент платежного шлюза
func NewClient(cfg config.GatewayConfig, metrics *utils.Metrics) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		metrics:    metrics,
		now:        time.Now,
		sleep:      sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Pay проводит платеж. Шаги выполняются строго по порядку, отказ на любом шаге
// прерывает оставшиеся. Повторяется только аутентификация.
func (c *Client) Pay(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	result, err := c.pay(ctx, req)
	if err != nil {
		if step, ok := FailedStep(err); ok {
			c.metrics.RecordGatewayFailure(string(step))
		}
		slog.Warn("Платеж через шлюз не выполнен",
			"transaction_id", req.TransactionID, "attempt", req.Attempt, "error", err)
		return nil, err
	}
	return result, nil
}

func (c *Client) pay(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	if !req.Amount.IsPositive() {
		return nil, &Error{Step: StepCreateOrder, Kind: ErrOrderCreationFailed, Message: "сумма должна быть больше нуля"}
	}

	amountCents := ToCents(req.Amount)
	currency := req.Currency
	if currency == "" {
		currency = c.cfg.Currency
	}
	merchantOrderID := MerchantOrderID(req.TransactionID, req.Attempt)
	items := req.Items
	if len(items) == 0 {
		items = []Item{{Name: "Платеж " + merchantOrderID, AmountCents: amountCents, Quantity: 1}}
	}

	// Регистрируем заказ
	var order orderResponse
	err := c.withAuth(ctx, func(token string) error {
		_, err := c.do(ctx, StepCreateOrder, "/orders", orderRequest{
			AuthToken:       token,
			MerchantID:      c.cfg.MerchantID,
			AmountCents:     amountCents,
			Currency:        currency,
			MerchantOrderID: merchantOrderID,
			Items:           items,
		}, &order)
		return err
	})
	if err != nil {
		return nil, err
	}
	if order.ID == "" {
		return nil, &Error{Step: StepCreateOrder, Kind: ErrOrderCreationFailed, Message: "шлюз не вернул идентификатор заказа"}
	}

	// Получаем платежный ключ
	var key paymentKeyResponse
	err = c.withAuth(ctx, func(token string) error {
		_, err := c.do(ctx, StepPaymentKey, "/acceptance/payment_keys", paymentKeyRequest{
			AuthToken:     token,
			AmountCents:   amountCents,
			Expiration:    paymentKeyExpiration,
			OrderID:       order.ID.String(),
			BillingData:   req.Billing.withDefaults(),
			Currency:      currency,
			IntegrationID: req.IntegrationID,
		}, &key)
		return err
	})
	if err != nil {
		return nil, err
	}
	if key.Token == "" {
		return nil, &Error{Step: StepPaymentKey, Kind: ErrKeyRequestFailed, Message: "шлюз не вернул платежный ключ"}
	}

	// Проводим оплату
	var paid payResponse
	raw, err := c.do(ctx, StepSubmitPayment, "/acceptance/payments/pay", payRequest{
		Source:       req.Source,
		PaymentToken: key.Token,
	}, &paid)
	if err != nil {
		return nil, err
	}

	pending := bool(paid.Pending) || paid.RedirectURL != ""
	if !pending && !paid.approved() {
		message := paid.Data.Message
		if message == "" {
			message = "шлюз не подтвердил платеж"
		}
		return nil, &Error{Step: StepSubmitPayment, Kind: ErrPaymentDeclined, Message: message}
	}

	return &PaymentResult{
		OrderID:         order.ID.String(),
		MerchantOrderID: merchantOrderID,
		TransactionID:   paid.ID.String(),
		BillReference:   paid.Data.BillReference.String(),
		RedirectURL:     paid.RedirectURL,
		Pending:         pending,
		Raw:             raw,
	}, nil
}

// withAuth выполняет вызов с токеном. При ответе 401 токен сбрасывается
// и вызов повторяется один раз с новым токеном.
func (c *Client) withAuth(ctx context.Context, call func(token string) error) error {
	token, err := c.authToken(ctx)
	if err != nil {
		return err
	}
	err = call(token)
	if !isUnauthorized(err) {
		return err
	}

	c.invalidateToken(token)
	token, err = c.authToken(ctx)
	if err != nil {
		return err
	}
	return call(token)
}

// authToken возвращает кэшированный токен или получает новый
func (c *Client) authToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	if c.token != "" && c.now().Before(c.tokenExpiresAt) {
		token := c.token
		c.mu.RUnlock()
		return token, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.authGroup.Do("auth", func() (any, error) {
		return c.authenticate(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) invalidateToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == token {
		c.token = ""
		c.tokenExpiresAt = time.Time{}
	}
}

// authenticate получает токен, повторяя попытку с паузой при недоступности шлюза
func (c *Client) authenticate(ctx context.Context) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.AuthRetries; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.AuthBackoff << (attempt - 1)
			if err := c.sleep(ctx, backoff); err != nil {
				return "", &Error{Step: StepAuthenticate, Kind: ErrAuthFailed, Unavailable: true, Retryable: true, Err: err}
			}
		}

		var resp authResponse
		_, err := c.do(ctx, StepAuthenticate, "/auth", authRequest{APIKey: c.cfg.APIKey}, &resp)
		if err == nil {
			if resp.Token == "" {
				return "", &Error{Step: StepAuthenticate, Kind: ErrAuthFailed, Message: "шлюз не вернул токен"}
			}
			ttl := c.cfg.TokenTTL
			if resp.ExpiresIn > 0 {
				ttl = time.Duration(resp.ExpiresIn) * time.Second
			}
			c.mu.Lock()
			c.token = resp.Token
			c.tokenExpiresAt = c.now().Add(ttl)
			c.mu.Unlock()
			return resp.Token, nil
		}

		lastErr = err
		if !errors.Is(err, ErrGatewayUnavailable) {
			break
		}
		slog.Warn("Шлюз недоступен при аутентификации", "attempt", attempt+1, "error", err)
	}
	return "", lastErr
}

// do отправляет JSON-запрос и разбирает ответ в out
func (c *Client) do(ctx context.Context, step Step, path string, body, out any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Step: step, Kind: kindForStep(step), Err: err}
	}

	callCtx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Step: step, Kind: kindForStep(step), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, unavailable(step, 0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, unavailable(step, resp.StatusCode, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		gwErr := unavailable(step, resp.StatusCode, nil)
		gwErr.Message = responseMessage(raw)
		return nil, gwErr
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &Error{Step: step, Kind: kindForStep(step), StatusCode: resp.StatusCode, Message: responseMessage(raw)}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return nil, &Error{Step: step, Kind: kindForStep(step), StatusCode: resp.StatusCode, Message: "неверный формат ответа", Err: err}
	}
	return raw, nil
}

// unavailable описывает таймаут, сетевую ошибку или ответ 5xx.
// На шаге оплаты исход неизвестен, поэтому вид ошибки не "отклонено".
func unavailable(step Step, status int, err error) *Error {
	kind := kindForStep(step)
	if step == StepSubmitPayment {
		kind = ErrGatewayUnavailable
	}
	return &Error{Step: step, Kind: kind, StatusCode: status, Unavailable: true, Retryable: true, Err: err}
}

func isUnauthorized(err error) bool {
	var gwErr *Error
	return errors.As(err, &gwErr) && gwErr.StatusCode == http.StatusUnauthorized
}

func responseMessage(raw []byte) string {
	var resp errorResponse
	if err := json.Unmarshal(raw, &resp); err == nil && resp.text() != "" {
		return resp.text()
	}
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return strings.TrimSpace(string(raw))
}
