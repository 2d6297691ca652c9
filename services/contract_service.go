package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"medcrm/models"
	"medcrm/utils"
)

// CreateContractRequest представляет запрос на создание договора
type CreateContractRequest struct {
	Title       string `json:"title" validate:"required,max=255"`
	Body        string `json:"body"`
	DocumentRef string `json:"document_ref" validate:"max=255"`
	DealID      uint   `json:"deal_id" validate:"required"`
	ClientID    uint   `json:"client_id" validate:"required"`
	ClientEmail string `json:"client_email" validate:"omitempty,email,max=100"`
	DraftedBy   uint   `json:"drafted_by" validate:"required"`
}

// TransitionRequest представляет запрос на смену статуса договора
type TransitionRequest struct {
	Target    models.ContractStatus `json:"target" validate:"required,oneof=SENT_TO_CUSTOMER UNDER_NEGOTIATION SIGNED CANCELLED"`
	Actor     uint                  `json:"actor" validate:"required"`
	ActorRole string                `json:"actor_role" validate:"max=50"`
	Notes     string                `json:"notes"`
	Reason    string                `json:"reason" validate:"max=500"` // Обязательна при отмене
}

// NegotiationEntry представляет запись переговоров без смены статуса
type NegotiationEntry struct {
	Action        models.NegotiationAction `json:"action" validate:"omitempty,oneof=COMMENT REVISION"`
	Notes         string                   `json:"notes" validate:"required"`
	SubmittedBy   uint                     `json:"submitted_by" validate:"required"`
	SubmitterRole string                   `json:"submitter_role" validate:"max=50"`
	Attachments   []string                 `json:"attachments"`
}

// FinancialTerms представляет финансовые условия договора.
// Для договора с оплатой наличными поля рассрочки не заполняются.
type FinancialTerms struct {
	CashAmount        *decimal.Decimal `json:"cash_amount"`
	InstallmentAmount *decimal.Decimal `json:"installment_amount"`
	InterestRate      *decimal.Decimal `json:"interest_rate"`
	PenaltyRate       *decimal.Decimal `json:"penalty_rate"`
	DurationMonths    *int             `json:"duration_months"`
	StartDate         time.Time        `json:"start_date"` // Если не задана, используется текущая дата
	ConfiguredBy      uint             `json:"configured_by" validate:"required"`
}

// installmentFieldsSet возвращает количество заданных полей рассрочки
func (t FinancialTerms) installmentFieldsSet() int {
	n := 0
	for _, set := range []bool{t.InstallmentAmount != nil, t.InterestRate != nil, t.PenaltyRate != nil, t.DurationMonths != nil} {
		if set {
			n++
		}
	}
	return n
}

// ContractService управляет жизненным циклом договоров
type ContractService struct {
	db           *gorm.DB
	bus          *EventBus
	metrics      *utils.Metrics
	validate     *validator.Validate
	validityDays int
	now          func() time.Time
}

// NewContractService создает новый экземпляр ContractService
func NewContractService(db *gorm.DB, bus *EventBus, metrics *utils.Metrics, validityDays int) *ContractService {
	return &ContractService{
		db:           db,
		bus:          bus,
		metrics:      metrics,
		validate:     validator.New(),
		validityDays: validityDays,
		now:          time.Now,
	}
}

// generateContractNumber генерирует номер договора вида CN-2026-1A2B3C4D
func generateContractNumber(now time.Time) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("CN-%d-%s", now.Year(), strings.ToUpper(id[:8]))
}

// Create создает договор в статусе черновика
func (s *ContractService) Create(ctx context.Context, req CreateContractRequest) (*models.Contract, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}

	now := s.now().UTC()
	contract := &models.Contract{
		Number:      generateContractNumber(now),
		Title:       req.Title,
		Body:        req.Body,
		DocumentRef: req.DocumentRef,
		DealID:      req.DealID,
		ClientID:    req.ClientID,
		ClientEmail: req.ClientEmail,
		Status:      models.ContractStatusDraft,
		DraftedAt:   now,
		DraftedBy:   req.DraftedBy,
	}

	if err := s.db.WithContext(ctx).Create(contract).Error; err != nil {
		return nil, fmt.Errorf("ошибка при создании договора: %w", err)
	}

	slog.Info("Договор создан", "contract_id", contract.ID, "number", contract.Number, "deal_id", contract.DealID)
	return contract, nil
}

// Get возвращает договор с журналом переговоров и графиком платежей
func (s *ContractService) Get(ctx context.Context, id uint) (*models.Contract, error) {
	var contract models.Contract
	err := s.db.WithContext(ctx).
		Preload("Negotiations", func(db *gorm.DB) *gorm.DB {
			return db.Order("submitted_at, id")
		}).
		Preload("Installments", func(db *gorm.DB) *gorm.DB {
			return db.Order("sequence")
		}).
		First(&contract, id).Error
	if err != nil {
		return nil, lookupError(err, "договор", id)
	}
	return &contract, nil
}

// Advance переводит договор в новый статус по таблице переходов.
// Истечение срока выполняется только через ExpireStale.
func (s *ContractService) Advance(ctx context.Context, id uint, req TransitionRequest) (*models.Contract, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	return s.advance(ctx, id, req)
}

func (s *ContractService) advance(ctx context.Context, id uint, req TransitionRequest) (*models.Contract, error) {
	if req.Target == models.ContractStatusCancelled && strings.TrimSpace(req.Reason) == "" {
		return nil, ErrCancellationReason
	}

	now := s.now().UTC()
	var changed ContractStatusChanged

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Перечитываем договор внутри транзакции
		var contract models.Contract
		if err := tx.First(&contract, id).Error; err != nil {
			return lookupError(err, "договор", id)
		}

		if err := contract.CheckTransition(req.Target); err != nil {
			return err
		}

		from := contract.Status
		updates := map[string]any{
			"status":     req.Target,
			"updated_at": now,
		}
		switch req.Target {
		case models.ContractStatusSentToCustomer:
			updates["sent_at"] = now
		case models.ContractStatusSigned:
			updates["signed_at"] = now
			updates["customer_signed_by"] = req.Actor
		case models.ContractStatusCancelled:
			updates["cancelled_at"] = now
			updates["cancellation_reason"] = strings.TrimSpace(req.Reason)
		case models.ContractStatusExpired:
			updates["expired_at"] = now
		}

		// Применяем переход только если статус не изменился с момента чтения
		result := tx.Model(&models.Contract{}).
			Where("id = ? AND status = ?", id, from).
			Updates(updates)
		if result.Error != nil {
			return fmt.Errorf("ошибка при обновлении статуса договора: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: договор #%d", ErrConflict, id)
		}

		notes := req.Notes
		if notes == "" {
			notes = req.Reason
		}
		entry := &models.ContractNegotiation{
			ContractID:    id,
			Action:        models.NegotiationActionFor(req.Target),
			Notes:         notes,
			SubmittedBy:   req.Actor,
			SubmitterRole: req.ActorRole,
			FromStatus:    from,
			ToStatus:      req.Target,
			SubmittedAt:   now,
		}
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("ошибка при записи журнала переговоров: %w", err)
		}

		// Отмена и истечение срока отменяют неоплаченные платежи графика
		if req.Target == models.ContractStatusCancelled || req.Target == models.ContractStatusExpired {
			if err := tx.Model(&models.InstallmentSchedule{}).
				Where("contract_id = ? AND status IN ?", id, models.OpenInstallmentStatuses).
				Updates(map[string]any{"status": models.InstallmentStatusCancelled, "updated_at": now}).Error; err != nil {
				return fmt.Errorf("ошибка при отмене графика платежей: %w", err)
			}
		}

		changed = ContractStatusChanged{
			ContractID:  id,
			Number:      contract.Number,
			ClientID:    contract.ClientID,
			ClientEmail: contract.ClientEmail,
			From:        from,
			To:          req.Target,
			Actor:       req.Actor,
			Reason:      strings.TrimSpace(req.Reason),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordContractTransition(string(req.Target))
	slog.Info("Статус договора изменен",
		"contract_id", id, "from", changed.From, "to", changed.To, "actor", req.Actor)

	// Уведомление отправляется после фиксации и не влияет на результат
	s.bus.Publish(ctx, Event{Type: EventContractStatusChanged, OccurredAt: now, Payload: changed})

	return s.Get(ctx, id)
}

// RecordNegotiation добавляет запись переговоров без смены статуса
func (s *ContractService) RecordNegotiation(ctx context.Context, id uint, entry NegotiationEntry) (*models.ContractNegotiation, error) {
	if err := s.validate.Struct(entry); err != nil {
		return nil, validationError(err)
	}

	action := entry.Action
	if action == "" {
		action = models.NegotiationActionComment
	}

	var attachments datatypes.JSON
	if len(entry.Attachments) > 0 {
		raw, err := json.Marshal(entry.Attachments)
		if err != nil {
			return nil, fmt.Errorf("ошибка при сериализации вложений: %w", err)
		}
		attachments = datatypes.JSON(raw)
	}

	var record *models.ContractNegotiation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var contract models.Contract
		if err := tx.First(&contract, id).Error; err != nil {
			return lookupError(err, "договор", id)
		}

		if !contract.Status.AcceptsNegotiation() {
			return contract.RejectOperation(models.OperationRecordNegotiation)
		}

		record = &models.ContractNegotiation{
			ContractID:    id,
			Action:        action,
			Notes:         entry.Notes,
			SubmittedBy:   entry.SubmittedBy,
			SubmitterRole: entry.SubmitterRole,
			Attachments:   attachments,
			FromStatus:    contract.Status,
			ToStatus:      contract.Status,
			SubmittedAt:   s.now().UTC(),
		}
		if err := tx.Create(record).Error; err != nil {
			return fmt.Errorf("ошибка при записи журнала переговоров: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return record, nil
}

// FinalizeFinancials фиксирует финансовые условия и создает график платежей.
// Выполняется один раз; повторный вызов возвращает ErrAlreadyConfigured.
func (s *ContractService) FinalizeFinancials(ctx context.Context, id uint, terms FinancialTerms) (*models.Contract, error) {
	if err := s.validate.Struct(terms); err != nil {
		return nil, validationError(err)
	}

	// Поля рассрочки задаются либо все, либо ни одного
	set := terms.installmentFieldsSet()
	if set != 0 && set != 4 {
		return nil, ErrPartialFinancials
	}
	if terms.CashAmount != nil && terms.CashAmount.IsNegative() {
		return nil, fmt.Errorf("%w: сумма наличными не может быть отрицательной", ErrValidation)
	}

	now := s.now().UTC()
	startDate := terms.StartDate
	if startDate.IsZero() {
		startDate = now
	}

	var entries []ScheduleEntry
	if set == 4 {
		var err error
		entries, err = GenerateSchedule(*terms.InstallmentAmount, *terms.DurationMonths, *terms.InterestRate, *terms.PenaltyRate, startDate)
		if err != nil {
			return nil, err
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var contract models.Contract
		if err := tx.First(&contract, id).Error; err != nil {
			return lookupError(err, "договор", id)
		}

		if contract.Status == models.ContractStatusCancelled || contract.Status == models.ContractStatusExpired {
			return contract.RejectOperation(models.OperationFinalizeFinancials)
		}
		if contract.FinancialsConfigured() {
			return fmt.Errorf("%w: договор #%d", ErrAlreadyConfigured, id)
		}

		result := tx.Model(&models.Contract{}).
			Where("id = ? AND financials_configured_at IS NULL", id).
			Updates(map[string]any{
				"cash_amount":              nullDecimal(terms.CashAmount),
				"installment_amount":       nullDecimal(terms.InstallmentAmount),
				"interest_rate":            nullDecimal(terms.InterestRate),
				"penalty_rate":             nullDecimal(terms.PenaltyRate),
				"duration_months":          terms.DurationMonths,
				"financials_configured_at": now,
				"financials_configured_by": terms.ConfiguredBy,
				"updated_at":               now,
			})
		if result.Error != nil {
			return fmt.Errorf("ошибка при сохранении финансовых условий: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: договор #%d", ErrAlreadyConfigured, id)
		}

		if len(entries) == 0 {
			return nil
		}

		installments := make([]models.InstallmentSchedule, len(entries))
		for i, e := range entries {
			installments[i] = models.InstallmentSchedule{
				ContractID:     id,
				Sequence:       e.Sequence,
				Amount:         e.Amount,
				DueDate:        e.DueDate.UTC(),
				InterestAmount: e.InterestAmount,
				PenaltyAmount:  decimal.Zero,
				Status:         models.InstallmentStatusPending,
			}
		}
		if err := tx.Create(&installments).Error; err != nil {
			return fmt.Errorf("ошибка при создании графика платежей: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Финансовые условия договора зафиксированы",
		"contract_id", id, "installments", len(entries), "configured_by", terms.ConfiguredBy)
	return s.Get(ctx, id)
}

// ExpireStale переводит в EXPIRED договоры, не подписанные в течение срока действия.
// Возвращает количество истекших договоров.
func (s *ContractService) ExpireStale(ctx context.Context) (int, error) {
	if s.validityDays <= 0 {
		return 0, nil
	}

	cutoff := s.now().UTC().AddDate(0, 0, -s.validityDays)

	var ids []uint
	if err := s.db.WithContext(ctx).Model(&models.Contract{}).
		Where("status IN ? AND sent_at IS NOT NULL AND sent_at <= ?",
			[]models.ContractStatus{models.ContractStatusSentToCustomer, models.ContractStatusUnderNegotiation}, cutoff).
		Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("ошибка при поиске просроченных договоров: %w", err)
	}

	expired := 0
	for _, id := range ids {
		_, err := s.advance(ctx, id, TransitionRequest{
			Target: models.ContractStatusExpired,
			Notes:  fmt.Sprintf("Срок действия договора истек (%d дн.)", s.validityDays),
		})
		if err != nil {
			// Договор могли подписать или отменить после выборки
			if errors.Is(err, ErrConflict) || errors.Is(err, models.ErrInvalidTransition) {
				slog.Info("Договор пропущен при истечении срока", "contract_id", id, "reason", err)
				continue
			}
			return expired, err
		}
		expired++
	}

	return expired, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}
