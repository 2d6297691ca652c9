package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// PaymentMethod представляет способ оплаты
type PaymentMethod string

const (
	PaymentMethodCash                  PaymentMethod = "CASH"
	PaymentMethodBankTransfer          PaymentMethod = "BANK_TRANSFER"
	PaymentMethodCard                  PaymentMethod = "CARD"
	PaymentMethodWallet                PaymentMethod = "WALLET"
	PaymentMethodInstallmentCollection PaymentMethod = "INSTALLMENT_COLLECTION"
	PaymentMethodCheque                PaymentMethod = "CHEQUE"
)

// PaymentStatus представляет статус платежной транзакции
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "PENDING"
	PaymentStatusProcessing PaymentStatus = "PROCESSING"
	PaymentStatusCompleted  PaymentStatus = "COMPLETED"
	PaymentStatusFailed     PaymentStatus = "FAILED"
	PaymentStatusCancelled  PaymentStatus = "CANCELLED"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending: {
		PaymentStatusProcessing,
		PaymentStatusCompleted,
		PaymentStatusFailed,
		PaymentStatusCancelled,
	},
	PaymentStatusProcessing: {
		PaymentStatusCompleted,
		PaymentStatusFailed,
	},
}

// IsFinal сообщает, что из статуса нет переходов
func (s PaymentStatus) IsFinal() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusCancelled || s == PaymentStatusFailed
}

// IsActive сообщает, что транзакция еще не завершена
func (s PaymentStatus) IsActive() bool {
	return s == PaymentStatusPending || s == PaymentStatusProcessing
}

// TargetKind определяет, к чему относится транзакция
type TargetKind string

const (
	TargetNone           TargetKind = "NONE"
	TargetInstallment    TargetKind = "INSTALLMENT"
	TargetGeneralPayment TargetKind = "GENERAL_PAYMENT"
)

// TargetRef - ссылка транзакции на платеж графика, общий платеж или ни на что
type TargetRef struct {
	Kind TargetKind
	ID   uint
}

// InstallmentTarget создает ссылку на платеж графика
func InstallmentTarget(id uint) TargetRef {
	return TargetRef{Kind: TargetInstallment, ID: id}
}

// GeneralPaymentTarget создает ссылку на общий платеж
func GeneralPaymentTarget(id uint) TargetRef {
	return TargetRef{Kind: TargetGeneralPayment, ID: id}
}

// NoTarget возвращает пустую ссылку
func NoTarget() TargetRef {
	return TargetRef{Kind: TargetNone}
}

// InstallmentID возвращает ID платежа графика, если ссылка на него указывает
func (r TargetRef) InstallmentID() (uint, bool) {
	if r.Kind != TargetInstallment {
		return 0, false
	}
	return r.ID, true
}

func (r TargetRef) String() string {
	if r.Kind == TargetNone || r.Kind == "" {
		return string(TargetNone)
	}
	return fmt.Sprintf("%s(%d)", r.Kind, r.ID)
}

// PaymentTransaction представляет одну попытку перемещения денег. Не удаляется.
type PaymentTransaction struct {
	ID         uint            `gorm:"primaryKey;autoIncrement"`
	ContractID *uint           `gorm:"column:contract_id;index"`
	Amount     decimal.Decimal `gorm:"column:amount;type:decimal(20,2);not null"`
	Currency   string          `gorm:"column:currency;size:3;not null"`
	Method     PaymentMethod   `gorm:"column:method;type:varchar(30);not null"`
	Status     PaymentStatus   `gorm:"type:varchar(20);not null;default:'PENDING';index"`

	TargetKind TargetKind `gorm:"column:target_kind;type:varchar(20);not null;default:'NONE'"`
	TargetID   *uint      `gorm:"column:target_id;index"`

	Attempt              int            `gorm:"column:attempt;not null;default:1"`
	MerchantOrderID      string         `gorm:"column:merchant_order_id;size:64"`
	GatewayOrderID       string         `gorm:"column:gateway_order_id;size:64;index"`
	GatewayTransactionID string         `gorm:"column:gateway_transaction_id;size:64;index"`
	RawGatewayResponse   datatypes.JSON `gorm:"column:raw_gateway_response"`
	RedirectURL          string         `gorm:"column:redirect_url;size:500"`
	FailureReason        string         `gorm:"column:failure_reason;size:500"`

	RequiresConfirmation bool       `gorm:"column:requires_confirmation;not null;default:false"`
	CollectionDelegateID *uint      `gorm:"column:collection_delegate_id"`
	ApprovedBy           *uint      `gorm:"column:approved_by"`
	ApprovedAt           *time.Time `gorm:"column:approved_at"`
	CreatedBy            uint       `gorm:"column:created_by;not null"`
	CompletedAt          *time.Time `gorm:"column:completed_at"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName возвращает имя таблицы для модели PaymentTransaction
func (PaymentTransaction) TableName() string {
	return "payment_transactions"
}

// Target возвращает ссылку транзакции
func (t *PaymentTransaction) Target() TargetRef {
	if t.TargetID == nil {
		return NoTarget()
	}
	return TargetRef{Kind: t.TargetKind, ID: *t.TargetID}
}

// SetTarget сохраняет ссылку транзакции
func (t *PaymentTransaction) SetTarget(ref TargetRef) {
	if ref.Kind == TargetNone || ref.Kind == "" {
		t.TargetKind = TargetNone
		t.TargetID = nil
		return
	}
	id := ref.ID
	t.TargetKind = ref.Kind
	t.TargetID = &id
}

// TransitionTo переводит транзакцию в новый статус, если переход разрешен
func (t *PaymentTransaction) TransitionTo(target PaymentStatus) error {
	if t.Status.IsFinal() {
		return &TransitionError{
			Entity:   "payment_transaction",
			EntityID: t.ID,
			From:     string(t.Status),
			To:       string(target),
			Err:      ErrTransactionFinalized,
		}
	}
	for _, allowed := range paymentTransitions[t.Status] {
		if allowed == target {
			t.Status = target
			return nil
		}
	}
	return &TransitionError{
		Entity:   "payment_transaction",
		EntityID: t.ID,
		From:     string(t.Status),
		To:       string(target),
		Err:      ErrInvalidTransition,
	}
}
