package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ContractStatus представляет статус договора
type ContractStatus string

const (
	ContractStatusDraft            ContractStatus = "DRAFT"
	ContractStatusSentToCustomer   ContractStatus = "SENT_TO_CUSTOMER"
	ContractStatusUnderNegotiation ContractStatus = "UNDER_NEGOTIATION"
	ContractStatusSigned           ContractStatus = "SIGNED"
	ContractStatusCancelled        ContractStatus = "CANCELLED"
	ContractStatusExpired          ContractStatus = "EXPIRED"
)

// contractTransitions - допустимые переходы статусов договора
var contractTransitions = map[ContractStatus][]ContractStatus{
	ContractStatusDraft: {
		ContractStatusSentToCustomer,
		ContractStatusCancelled,
	},
	ContractStatusSentToCustomer: {
		ContractStatusUnderNegotiation,
		ContractStatusCancelled,
		ContractStatusExpired,
	},
	ContractStatusUnderNegotiation: {
		ContractStatusSentToCustomer,
		ContractStatusSigned,
		ContractStatusCancelled,
		ContractStatusExpired,
	},
}

// IsTerminal сообщает, является ли статус конечным
func (s ContractStatus) IsTerminal() bool {
	return s == ContractStatusSigned || s == ContractStatusCancelled || s == ContractStatusExpired
}

// CanTransitionTo проверяет наличие перехода в таблице
func (s ContractStatus) CanTransitionTo(target ContractStatus) bool {
	for _, allowed := range contractTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// AcceptsNegotiation сообщает, можно ли добавлять записи переговоров в этом статусе
func (s ContractStatus) AcceptsNegotiation() bool {
	return s == ContractStatusSentToCustomer || s == ContractStatusUnderNegotiation
}

// Contract представляет договор по сделке с клиентом
type Contract struct {
	ID          uint           `gorm:"primaryKey;autoIncrement"`
	Number      string         `gorm:"column:number;uniqueIndex;not null;size:32"`
	Title       string         `gorm:"column:title;not null;size:255"`
	Body        string         `gorm:"column:body;type:text"`
	DocumentRef string         `gorm:"column:document_ref;size:255"`
	DealID      uint           `gorm:"column:deal_id;index;not null"`
	ClientID    uint           `gorm:"column:client_id;index;not null"`
	ClientEmail string         `gorm:"column:client_email;size:100"`
	Status      ContractStatus `gorm:"type:varchar(20);not null;default:'DRAFT';index"`

	DraftedAt          time.Time  `gorm:"column:drafted_at;not null"`
	DraftedBy          uint       `gorm:"column:drafted_by;not null"`
	SentAt             *time.Time `gorm:"column:sent_at"`
	SignedAt           *time.Time `gorm:"column:signed_at"`
	CustomerSignedBy   *uint      `gorm:"column:customer_signed_by"`
	CancelledAt        *time.Time `gorm:"column:cancelled_at"`
	CancellationReason string     `gorm:"column:cancellation_reason;size:500"`
	ExpiredAt          *time.Time `gorm:"column:expired_at"`

	// Финансовые условия: либо все поля рассрочки пусты (оплата наличными),
	// либо заданы все поля, необходимые для расчета графика.
	CashAmount             decimal.NullDecimal `gorm:"column:cash_amount;type:decimal(20,2)"`
	InstallmentAmount      decimal.NullDecimal `gorm:"column:installment_amount;type:decimal(20,2)"`
	InterestRate           decimal.NullDecimal `gorm:"column:interest_rate;type:decimal(10,6)"`
	PenaltyRate            decimal.NullDecimal `gorm:"column:penalty_rate;type:decimal(10,6)"`
	DurationMonths         *int                `gorm:"column:duration_months"`
	FinancialsConfiguredAt *time.Time          `gorm:"column:financials_configured_at"`
	FinancialsConfiguredBy *uint               `gorm:"column:financials_configured_by"`

	Negotiations []ContractNegotiation `gorm:"foreignKey:ContractID;constraint:OnDelete:CASCADE"`
	Installments []InstallmentSchedule `gorm:"foreignKey:ContractID;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName возвращает имя таблицы для модели Contract
func (Contract) TableName() string {
	return "contracts"
}

// HasInstallmentPlan сообщает, содержит ли договор рассрочку
func (c *Contract) HasInstallmentPlan() bool {
	return c.InstallmentAmount.Valid && c.DurationMonths != nil
}

// FinancialsConfigured сообщает, были ли уже зафиксированы финансовые условия
func (c *Contract) FinancialsConfigured() bool {
	return c.FinancialsConfiguredAt != nil
}

// CheckTransition проверяет переход в целевой статус
func (c *Contract) CheckTransition(target ContractStatus) error {
	if !c.Status.CanTransitionTo(target) {
		return &TransitionError{
			Entity:   "contract",
			EntityID: c.ID,
			From:     string(c.Status),
			To:       string(target),
			Err:      ErrInvalidTransition,
		}
	}
	return nil
}

// Операции над договором, которые не меняют статус, но зависят от него
const (
	OperationRecordNegotiation  = "RECORD_NEGOTIATION"
	OperationFinalizeFinancials = "FINALIZE_FINANCIALS"
)

// RejectOperation возвращает ошибку операции, недопустимой в текущем статусе
func (c *Contract) RejectOperation(operation string) error {
	return &TransitionError{
		Entity:   "contract",
		EntityID: c.ID,
		From:     string(c.Status),
		To:       operation,
		Err:      ErrInvalidTransition,
	}
}
