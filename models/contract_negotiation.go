package models

import (
	"time"

	"gorm.io/datatypes"
)

// NegotiationAction представляет тип записи в журнале переговоров
type NegotiationAction string

const (
	NegotiationActionComment      NegotiationAction = "COMMENT"
	NegotiationActionRevision     NegotiationAction = "REVISION"
	NegotiationActionApproval     NegotiationAction = "APPROVAL"
	NegotiationActionCancellation NegotiationAction = "CANCELLATION"
	NegotiationActionExpiration   NegotiationAction = "EXPIRATION"
)

// NegotiationActionFor возвращает тип записи, соответствующий целевому статусу
func NegotiationActionFor(target ContractStatus) NegotiationAction {
	switch target {
	case ContractStatusSentToCustomer:
		return NegotiationActionRevision
	case ContractStatusSigned:
		return NegotiationActionApproval
	case ContractStatusCancelled:
		return NegotiationActionCancellation
	case ContractStatusExpired:
		return NegotiationActionExpiration
	default:
		return NegotiationActionComment
	}
}

// ContractNegotiation - запись журнала переговоров. Только добавляется, не изменяется.
type ContractNegotiation struct {
	ID            uint              `gorm:"primaryKey;autoIncrement"`
	ContractID    uint              `gorm:"column:contract_id;not null;index"`
	Action        NegotiationAction `gorm:"column:action;type:varchar(20);not null"`
	Notes         string            `gorm:"column:notes;type:text"`
	SubmittedBy   uint              `gorm:"column:submitted_by;not null"`
	SubmitterRole string            `gorm:"column:submitter_role;size:50"`
	Attachments   datatypes.JSON    `gorm:"column:attachments"`
	FromStatus    ContractStatus    `gorm:"column:from_status;type:varchar(20)"`
	ToStatus      ContractStatus    `gorm:"column:to_status;type:varchar(20)"`
	SubmittedAt   time.Time         `gorm:"column:submitted_at;not null;index"`
}

// TableName возвращает имя таблицы для модели ContractNegotiation
func (ContractNegotiation) TableName() string {
	return "contract_negotiations"
}
