package gateway

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ID принимает идентификатор шлюза как число или строку
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string {
	return string(id)
}

// Flag принимает булево значение как true/false или строку "true"/"false"
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = false
		return nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	*f = Flag(v)
	return nil
}

// ToCents переводит сумму в минимальные единицы валюты
func ToCents(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// FromCents переводит минимальные единицы валюты в сумму
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// Item позиция заказа
type Item struct {
	Name        string `json:"name"`
	AmountCents int64  `json:"amount_cents"`
	Description string `json:"description,omitempty"`
	Quantity    int    `json:"quantity"`
}

// BillingData данные плательщика. Шлюз требует все поля, пустые заполняются "NA".
type BillingData struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phone_number"`
	Street      string `json:"street"`
	Building    string `json:"building"`
	Floor       string `json:"floor"`
	Apartment   string `json:"apartment"`
	City        string `json:"city"`
	Country     string `json:"country"`
}

func (b BillingData) withDefaults() BillingData {
	fields := []*string{
		&b.FirstName, &b.LastName, &b.Email, &b.PhoneNumber, &b.Street,
		&b.Building, &b.Floor, &b.Apartment, &b.City, &b.Country,
	}
	for _, f := range fields {
		if strings.TrimSpace(*f) == "" {
			*f = "NA"
		}
	}
	return b
}

// Source описывает источник оплаты: токен карты или идентификатор кошелька
type Source struct {
	Identifier string `json:"identifier"`
	Subtype    string `json:"subtype"`
}

type authRequest struct {
	APIKey string `json:"api_key"`
}

type authResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in,omitempty"`
}

type orderRequest struct {
	AuthToken       string `json:"auth_token"`
	DeliveryNeeded  bool   `json:"delivery_needed"`
	MerchantID      string `json:"merchant_id,omitempty"`
	AmountCents     int64  `json:"amount_cents"`
	Currency        string `json:"currency"`
	MerchantOrderID string `json:"merchant_order_id"`
	Items           []Item `json:"items"`
}

type orderResponse struct {
	ID ID `json:"id"`
}

type paymentKeyRequest struct {
	AuthToken     string      `json:"auth_token"`
	AmountCents   int64       `json:"amount_cents"`
	Expiration    int         `json:"expiration"`
	OrderID       string      `json:"order_id"`
	BillingData   BillingData `json:"billing_data"`
	Currency      string      `json:"currency"`
	IntegrationID int         `json:"integration_id"`
}

type paymentKeyResponse struct {
	Token string `json:"token"`
}

type payRequest struct {
	Source       Source `json:"source"`
	PaymentToken string `json:"payment_token"`
}

type payResponse struct {
	ID          ID     `json:"id"`
	Pending     Flag   `json:"pending"`
	Success     *Flag  `json:"success"`
	RedirectURL string `json:"redirect_url"`
	Data        struct {
		BillReference ID     `json:"bill_reference"`
		Message       string `json:"message"`
	} `json:"data"`
}

// approved сообщает, подтвердил ли шлюз синхронный платеж.
// Поле success шлюз может не передавать: тогда подтверждением служит
// идентификатор платежа или номер счета.
func (p *payResponse) approved() bool {
	if p.Success != nil {
		return bool(*p.Success)
	}
	return p.ID != "" || p.Data.BillReference != ""
}

type errorResponse struct {
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

func (e errorResponse) text() string {
	if e.Detail != "" {
		return e.Detail
	}
	return e.Message
}
