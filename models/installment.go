package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// InstallmentStatus представляет статус платежа по графику
type InstallmentStatus string

const (
	InstallmentStatusPending   InstallmentStatus = "PENDING"   // Ожидает оплаты
	InstallmentStatusPaid      InstallmentStatus = "PAID"      // Оплачен
	InstallmentStatusOverdue   InstallmentStatus = "OVERDUE"   // Просрочен
	InstallmentStatusCancelled InstallmentStatus = "CANCELLED" // Отменен вместе с договором
)

// OpenInstallmentStatuses - статусы, в которых платеж еще можно оплатить
var OpenInstallmentStatuses = []InstallmentStatus{InstallmentStatusPending, InstallmentStatusOverdue}

// IsOpen сообщает, ожидает ли платеж оплаты
func (s InstallmentStatus) IsOpen() bool {
	return s == InstallmentStatusPending || s == InstallmentStatusOverdue
}

// InstallmentSchedule представляет один платеж графика рассрочки
type InstallmentSchedule struct {
	ID             uint              `gorm:"primaryKey;autoIncrement"`
	ContractID     uint              `gorm:"column:contract_id;not null;uniqueIndex:idx_installment_contract_seq"`
	Contract       *Contract         `gorm:"foreignKey:ContractID"`
	Sequence       int               `gorm:"column:sequence;not null;uniqueIndex:idx_installment_contract_seq"`
	Amount         decimal.Decimal   `gorm:"column:amount;type:decimal(20,2);not null"` // Доля основного долга
	DueDate        time.Time         `gorm:"column:due_date;not null;index"`
	InterestAmount decimal.Decimal   `gorm:"column:interest_amount;type:decimal(20,2);not null"`
	PenaltyAmount  decimal.Decimal   `gorm:"column:penalty_amount;type:decimal(20,2);not null;default:0"`
	Status         InstallmentStatus `gorm:"type:varchar(20);not null;default:'PENDING';index"`
	PaidAt         *time.Time        `gorm:"column:paid_at"`

	// Флаги напоминаний: однажды установленный флаг не сбрасывается
	SevenDayReminderSent    bool       `gorm:"column:reminder_7d_sent;not null;default:false"`
	TwoDayReminderSent      bool       `gorm:"column:reminder_2d_sent;not null;default:false"`
	OneDayReminderSent      bool       `gorm:"column:reminder_1d_sent;not null;default:false"`
	OverdueNotificationSent bool       `gorm:"column:overdue_sent;not null;default:false"`
	LastReminderSentAt      *time.Time `gorm:"column:last_reminder_sent_at"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName возвращает имя таблицы для модели InstallmentSchedule
func (InstallmentSchedule) TableName() string {
	return "installment_schedules"
}

// Total возвращает сумму основного долга, процентов и пени
func (i *InstallmentSchedule) Total() decimal.Decimal {
	return i.Amount.Add(i.InterestAmount).Add(i.PenaltyAmount)
}
