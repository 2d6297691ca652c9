package controllers

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"medcrm/models"
)

// NegotiationDTO запись журнала переговоров в ответе
type NegotiationDTO struct {
	ID            uint                     `json:"id"`
	Action        models.NegotiationAction `json:"action"`
	Notes         string                   `json:"notes"`
	SubmittedBy   uint                     `json:"submitted_by"`
	SubmitterRole string                   `json:"submitter_role,omitempty"`
	Attachments   json.RawMessage          `json:"attachments,omitempty"`
	FromStatus    models.ContractStatus    `json:"from_status"`
	ToStatus      models.ContractStatus    `json:"to_status"`
	SubmittedAt   time.Time                `json:"submitted_at"`
}

// InstallmentDTO платеж графика в ответе
type InstallmentDTO struct {
	ID             uint                     `json:"id"`
	Sequence       int                      `json:"sequence"`
	Amount         decimal.Decimal          `json:"amount"`
	InterestAmount decimal.Decimal          `json:"interest_amount"`
	PenaltyAmount  decimal.Decimal          `json:"penalty_amount"`
	Total          decimal.Decimal          `json:"total"`
	DueDate        time.Time                `json:"due_date"`
	Status         models.InstallmentStatus `json:"status"`
	PaidAt         *time.Time               `json:"paid_at,omitempty"`
}

// ContractDTO договор в ответе
type ContractDTO struct {
	ID                 uint                  `json:"id"`
	Number             string                `json:"number"`
	Title              string                `json:"title"`
	DealID             uint                  `json:"deal_id"`
	ClientID           uint                  `json:"client_id"`
	Status             models.ContractStatus `json:"status"`
	DraftedAt          time.Time             `json:"drafted_at"`
	SentAt             *time.Time            `json:"sent_at,omitempty"`
	SignedAt           *time.Time            `json:"signed_at,omitempty"`
	CancelledAt        *time.Time            `json:"cancelled_at,omitempty"`
	CancellationReason string                `json:"cancellation_reason,omitempty"`
	ExpiredAt          *time.Time            `json:"expired_at,omitempty"`
	CashAmount         *decimal.Decimal      `json:"cash_amount,omitempty"`
	InstallmentAmount  *decimal.Decimal      `json:"installment_amount,omitempty"`
	InterestRate       *decimal.Decimal      `json:"interest_rate,omitempty"`
	PenaltyRate        *decimal.Decimal      `json:"penalty_rate,omitempty"`
	DurationMonths     *int                  `json:"duration_months,omitempty"`
	Negotiations       []NegotiationDTO      `json:"negotiations"`
	Installments       []InstallmentDTO      `json:"installments"`
}

// TransactionDTO платежная транзакция в ответе
type TransactionDTO struct {
	ID                   uint                 `json:"id"`
	ContractID           *uint                `json:"contract_id,omitempty"`
	Amount               decimal.Decimal      `json:"amount"`
	Currency             string               `json:"currency"`
	Method               models.PaymentMethod `json:"method"`
	Status               models.PaymentStatus `json:"status"`
	Target               string               `json:"target"`
	Attempt              int                  `json:"attempt"`
	MerchantOrderID      string               `json:"merchant_order_id,omitempty"`
	GatewayOrderID       string               `json:"gateway_order_id,omitempty"`
	GatewayTransactionID string               `json:"gateway_transaction_id,omitempty"`
	RedirectURL          string               `json:"redirect_url,omitempty"`
	FailureReason        string               `json:"failure_reason,omitempty"`
	RequiresConfirmation bool                 `json:"requires_confirmation"`
	ApprovedBy           *uint                `json:"approved_by,omitempty"`
	CompletedAt          *time.Time           `json:"completed_at,omitempty"`
	CreatedAt            time.Time            `json:"created_at"`
}

func optionalDecimal(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func toContractDTO(c *models.Contract) ContractDTO {
	dto := ContractDTO{
		ID:                 c.ID,
		Number:             c.Number,
		Title:              c.Title,
		DealID:             c.DealID,
		ClientID:           c.ClientID,
		Status:             c.Status,
		DraftedAt:          c.DraftedAt,
		SentAt:             c.SentAt,
		SignedAt:           c.SignedAt,
		CancelledAt:        c.CancelledAt,
		CancellationReason: c.CancellationReason,
		ExpiredAt:          c.ExpiredAt,
		CashAmount:         optionalDecimal(c.CashAmount),
		InstallmentAmount:  optionalDecimal(c.InstallmentAmount),
		InterestRate:       optionalDecimal(c.InterestRate),
		PenaltyRate:        optionalDecimal(c.PenaltyRate),
		DurationMonths:     c.DurationMonths,
		Negotiations:       make([]NegotiationDTO, 0, len(c.Negotiations)),
		Installments:       make([]InstallmentDTO, 0, len(c.Installments)),
	}
	for _, n := range c.Negotiations {
		dto.Negotiations = append(dto.Negotiations, toNegotiationDTO(&n))
	}
	for _, i := range c.Installments {
		dto.Installments = append(dto.Installments, InstallmentDTO{
			ID:             i.ID,
			Sequence:       i.Sequence,
			Amount:         i.Amount,
			InterestAmount: i.InterestAmount,
			PenaltyAmount:  i.PenaltyAmount,
			Total:          i.Total(),
			DueDate:        i.DueDate,
			Status:         i.Status,
			PaidAt:         i.PaidAt,
		})
	}
	return dto
}

func toNegotiationDTO(n *models.ContractNegotiation) NegotiationDTO {
	return NegotiationDTO{
		ID:            n.ID,
		Action:        n.Action,
		Notes:         n.Notes,
		SubmittedBy:   n.SubmittedBy,
		SubmitterRole: n.SubmitterRole,
		Attachments:   json.RawMessage(n.Attachments),
		FromStatus:    n.FromStatus,
		ToStatus:      n.ToStatus,
		SubmittedAt:   n.SubmittedAt,
	}
}

func toTransactionDTO(t *models.PaymentTransaction) TransactionDTO {
	return TransactionDTO{
		ID:                   t.ID,
		ContractID:           t.ContractID,
		Amount:               t.Amount,
		Currency:             t.Currency,
		Method:               t.Method,
		Status:               t.Status,
		Target:               t.Target().String(),
		Attempt:              t.Attempt,
		MerchantOrderID:      t.MerchantOrderID,
		GatewayOrderID:       t.GatewayOrderID,
		GatewayTransactionID: t.GatewayTransactionID,
		RedirectURL:          t.RedirectURL,
		FailureReason:        t.FailureReason,
		RequiresConfirmation: t.RequiresConfirmation,
		ApprovedBy:           t.ApprovedBy,
		CompletedAt:          t.CompletedAt,
		CreatedAt:            t.CreatedAt,
	}
}
