package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"medcrm/utils"
)

// SignatureHeader заголовок с подписью callback-запроса
const SignatureHeader = "X-Gateway-Signature"

var ErrInvalidCallback = errors.New("неверный callback платежного шлюза")

// Callback итог асинхронного платежа, присланный шлюзом
type Callback struct {
	Type            string
	TransactionID   string
	OrderID         string
	MerchantOrderID string
	Success         bool
	Pending         bool
	AmountCents     int64
	Message         string
	Raw             json.RawMessage
}

type callbackPayload struct {
	Type string `json:"type"`
	Obj  struct {
		ID          ID    `json:"id"`
		Pending     Flag  `json:"pending"`
		Success     Flag  `json:"success"`
		AmountCents int64 `json:"amount_cents"`
		Order       struct {
			ID              ID     `json:"id"`
			MerchantOrderID string `json:"merchant_order_id"`
		} `json:"order"`
		Data struct {
			Message string `json:"message"`
		} `json:"data"`
	} `json:"obj"`
}

// VerifySignature проверяет HMAC-SHA512 подпись тела запроса
func VerifySignature(body []byte, signature, secret string) bool {
	return utils.ValidateHMAC(body, signature, []byte(secret))
}

// ParseCallback разбирает тело callback-запроса
func ParseCallback(body []byte) (*Callback, error) {
	var payload callbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	if payload.Obj.ID == "" && payload.Obj.Order.ID == "" {
		return nil, fmt.Errorf("%w: нет идентификатора транзакции или заказа", ErrInvalidCallback)
	}

	return &Callback{
		Type:            payload.Type,
		TransactionID:   payload.Obj.ID.String(),
		OrderID:         payload.Obj.Order.ID.String(),
		MerchantOrderID: payload.Obj.Order.MerchantOrderID,
		Success:         bool(payload.Obj.Success),
		Pending:         bool(payload.Obj.Pending),
		AmountCents:     payload.Obj.AmountCents,
		Message:         payload.Obj.Data.Message,
		Raw:             json.RawMessage(body),
	}, nil
}
