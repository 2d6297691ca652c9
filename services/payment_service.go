package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"medcrm/gateway"
	"medcrm/models"
	"medcrm/utils"
)

const maxFailureReason = 500

// PayInstallmentRequest представляет запрос на оплату платежа графика
type PayInstallmentRequest struct {
	Method               models.PaymentMethod `json:"method" validate:"required"`
	Actor                uint                 `json:"actor" validate:"required"`
	CollectionDelegateID *uint                `json:"collection_delegate_id"`
	Billing              gateway.BillingData  `json:"billing"`
	Source               gateway.Source       `json:"source"`
}

// ChargeRequest представляет разовое списание вне графика
type ChargeRequest struct {
	ContractID           *uint                `json:"contract_id"`
	GeneralPaymentID     *uint                `json:"general_payment_id"`
	Amount               decimal.Decimal      `json:"amount"`
	Currency             string               `json:"currency" validate:"omitempty,len=3"`
	Method               models.PaymentMethod `json:"method" validate:"required"`
	Actor                uint                 `json:"actor" validate:"required"`
	CollectionDelegateID *uint                `json:"collection_delegate_id"`
	Billing              gateway.BillingData  `json:"billing"`
	Source               gateway.Source       `json:"source"`
}

// AmountDue возвращает сумму к оплате: основной долг, проценты и пеня на момент now
func AmountDue(installment *models.InstallmentSchedule, penaltyRate decimal.Decimal, now time.Time, loc *time.Location) decimal.Decimal {
	base := installment.Amount.Add(installment.InterestAmount)
	penalty := CalculatePenalty(base, penaltyRate, MonthsLate(installment.DueDate, now, loc))
	return base.Add(penalty)
}

// PaymentService проводит платежи по графику и разовые списания
type PaymentService struct {
	db         *gorm.DB
	dispatcher *PaymentDispatcher
	bus        *EventBus
	metrics    *utils.Metrics
	validate   *validator.Validate
	currency   string
	loc        *time.Location
	now        func() time.Time
}

// NewPaymentService создает новый экземпляр PaymentService
func NewPaymentService(db *gorm.DB, dispatcher *PaymentDispatcher, bus *EventBus, metrics *utils.Metrics, currency string, loc *time.Location) *PaymentService {
	if loc == nil {
		loc = time.UTC
	}
	return &PaymentService{
		db:         db,
		dispatcher: dispatcher,
		bus:        bus,
		metrics:    metrics,
		validate:   validator.New(),
		currency:   currency,
		loc:        loc,
		now:        time.Now,
	}
}

// PayInstallment проводит оплату платежа графика.
// Незавершенная транзакция по тому же платежу блокирует новую попытку (ErrConflict).
func (s *PaymentService) PayInstallment(ctx context.Context, installmentID uint, req PayInstallmentRequest) (*models.PaymentTransaction, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	if !s.dispatcher.Supports(req.Method) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPaymentMethod, req.Method)
	}
	if req.Method == models.PaymentMethodInstallmentCollection && req.CollectionDelegateID == nil {
		return nil, fmt.Errorf("%w: не указан представитель для сбора платежа", ErrValidation)
	}

	now := s.now().UTC()
	var txn models.PaymentTransaction

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Захватываем строку платежа, чтобы параллельные попытки выполнялись по очереди
		claim := tx.Model(&models.InstallmentSchedule{}).
			Where("id = ? AND status IN ?", installmentID, models.OpenInstallmentStatuses).
			Update("updated_at", now)
		if claim.Error != nil {
			return fmt.Errorf("ошибка при блокировке платежа графика: %w", claim.Error)
		}

		var installment models.InstallmentSchedule
		if err := tx.Preload("Contract").First(&installment, installmentID).Error; err != nil {
			return lookupError(err, "платеж графика", installmentID)
		}
		if claim.RowsAffected == 0 || !installment.Status.IsOpen() {
			return fmt.Errorf("%w: платеж графика #%d в статусе %s", ErrConflict, installmentID, installment.Status)
		}

		target := models.InstallmentTarget(installmentID)
		var active int64
		if err := tx.Model(&models.PaymentTransaction{}).
			Where("target_kind = ? AND target_id = ? AND status IN ?", target.Kind, installmentID,
				[]models.PaymentStatus{models.PaymentStatusPending, models.PaymentStatusProcessing}).
			Count(&active).Error; err != nil {
			return fmt.Errorf("ошибка при проверке транзакций: %w", err)
		}
		if active > 0 {
			return fmt.Errorf("%w: по платежу графика #%d уже есть незавершенная транзакция", ErrConflict, installmentID)
		}

		var attempts int64
		if err := tx.Model(&models.PaymentTransaction{}).
			Where("target_kind = ? AND target_id = ?", target.Kind, installmentID).
			Count(&attempts).Error; err != nil {
			return fmt.Errorf("ошибка при подсчете попыток оплаты: %w", err)
		}

		penaltyRate := decimal.Zero
		if installment.Contract != nil && installment.Contract.PenaltyRate.Valid {
			penaltyRate = installment.Contract.PenaltyRate.Decimal
		}

		contractID := installment.ContractID
		txn = models.PaymentTransaction{
			ContractID:           &contractID,
			Amount:               AmountDue(&installment, penaltyRate, now, s.loc),
			Currency:             s.currency,
			Method:               req.Method,
			Status:               models.PaymentStatusPending,
			Attempt:              int(attempts) + 1,
			CollectionDelegateID: req.CollectionDelegateID,
			CreatedBy:            req.Actor,
		}
		txn.SetTarget(target)
		return s.createTransaction(tx, &txn)
	})
	if err != nil {
		return nil, err
	}

	return s.dispatch(ctx, &txn, PaymentContext{Billing: req.Billing, Source: req.Source})
}

// Charge проводит разовое списание, не связанное с графиком платежей
func (s *PaymentService) Charge(ctx context.Context, req ChargeRequest) (*models.PaymentTransaction, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: сумма должна быть больше нуля", ErrValidation)
	}
	if !s.dispatcher.Supports(req.Method) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPaymentMethod, req.Method)
	}
	if req.Method == models.PaymentMethodInstallmentCollection {
		return nil, fmt.Errorf("%w: сбор представителем возможен только по платежу графика", ErrValidation)
	}

	currency := req.Currency
	if currency == "" {
		currency = s.currency
	}

	txn := models.PaymentTransaction{
		ContractID:           req.ContractID,
		Amount:               req.Amount.Round(2),
		Currency:             currency,
		Method:               req.Method,
		Status:               models.PaymentStatusPending,
		Attempt:              1,
		CollectionDelegateID: req.CollectionDelegateID,
		CreatedBy:            req.Actor,
	}
	if req.GeneralPaymentID != nil {
		txn.SetTarget(models.GeneralPaymentTarget(*req.GeneralPaymentID))
	} else {
		txn.SetTarget(models.NoTarget())
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if req.ContractID != nil {
			var contract models.Contract
			if err := tx.Select("id").First(&contract, *req.ContractID).Error; err != nil {
				return lookupError(err, "договор", *req.ContractID)
			}
		}
		return s.createTransaction(tx, &txn)
	})
	if err != nil {
		return nil, err
	}

	return s.dispatch(ctx, &txn, PaymentContext{Billing: req.Billing, Source: req.Source})
}

func (s *PaymentService) createTransaction(tx *gorm.DB, txn *models.PaymentTransaction) error {
	if err := tx.Create(txn).Error; err != nil {
		return fmt.Errorf("ошибка при создании транзакции: %w", err)
	}
	txn.MerchantOrderID = gateway.MerchantOrderID(txn.ID, txn.Attempt)
	if err := tx.Model(txn).Update("merchant_order_id", txn.MerchantOrderID).Error; err != nil {
		return fmt.Errorf("ошибка при сохранении номера заказа: %w", err)
	}
	return nil
}

// dispatch вызывает стратегию вне транзакции базы и сохраняет результат
func (s *PaymentService) dispatch(ctx context.Context, txn *models.PaymentTransaction, pc PaymentContext) (*models.PaymentTransaction, error) {
	result := s.dispatcher.Dispatch(ctx, txn, pc)

	to := result.Status
	if to == "" {
		to = models.PaymentStatusFailed
	}

	fields := map[string]any{
		"requires_confirmation": result.RequiresConfirmation,
	}
	if result.GatewayOrderID != "" {
		fields["gateway_order_id"] = result.GatewayOrderID
	}
	if result.GatewayReference != "" {
		fields["gateway_transaction_id"] = result.GatewayReference
	}
	if len(result.RawResponse) > 0 {
		fields["raw_gateway_response"] = datatypes.JSON(result.RawResponse)
	}
	if result.RedirectURL != "" {
		fields["redirect_url"] = result.RedirectURL
	}
	if result.Err != nil {
		fields["failure_reason"] = truncate(result.Err.Error(), maxFailureReason)
	}

	// Результат сохраняется даже если вызывающая сторона отменила запрос
	persistCtx := context.WithoutCancel(ctx)
	now := s.now().UTC()
	var outcome settlement

	err := s.db.WithContext(persistCtx).Transaction(func(tx *gorm.DB) error {
		var err error
		outcome, err = s.applyTransition(tx, txn, to, fields, now)
		return err
	})
	if err != nil {
		slog.Error("Не удалось сохранить результат платежа",
			"transaction_id", txn.ID, "status", to, "gateway_reference", result.GatewayReference, "error", err)
		return nil, err
	}

	s.afterTransition(persistCtx, txn, outcome, now)

	saved, err := s.GetTransaction(persistCtx, txn.ID)
	if err != nil {
		return nil, err
	}
	if outcome.conflict {
		return saved, fmt.Errorf("%w: платеж графика уже погашен другой транзакцией", ErrConflict)
	}
	return saved, result.Err
}

// Confirm подтверждает ручной платеж сотрудником бухгалтерии
func (s *PaymentService) Confirm(ctx context.Context, transactionID, approver uint) (*models.PaymentTransaction, error) {
	if approver == 0 {
		return nil, fmt.Errorf("%w: не указан подтверждающий сотрудник", ErrValidation)
	}

	now := s.now().UTC()
	var txn models.PaymentTransaction
	var outcome settlement

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&txn, transactionID).Error; err != nil {
			return lookupError(err, "транзакция", transactionID)
		}
		if txn.Status.IsFinal() {
			return txn.TransitionTo(models.PaymentStatusCompleted)
		}
		if !txn.RequiresConfirmation || txn.Status != models.PaymentStatusPending {
			return fmt.Errorf("%w: транзакция #%d", ErrConfirmationNotAllowed, transactionID)
		}

		var err error
		outcome, err = s.applyTransition(tx, &txn, models.PaymentStatusCompleted, map[string]any{
			"approved_by": approver,
			"approved_at": now,
		}, now)
		if err != nil {
			return err
		}
		if outcome.conflict {
			// Деньги еще у сотрудника: транзакцию можно отменить
			return fmt.Errorf("%w: платеж графика уже погашен другой транзакцией", ErrConflict)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Платеж подтвержден", "transaction_id", transactionID, "approver", approver)
	s.afterTransition(ctx, &txn, outcome, now)
	return s.GetTransaction(ctx, transactionID)
}

// Cancel отменяет транзакцию, ожидающую обработки
func (s *PaymentService) Cancel(ctx context.Context, transactionID, actor uint) (*models.PaymentTransaction, error) {
	now := s.now().UTC()
	var txn models.PaymentTransaction

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&txn, transactionID).Error; err != nil {
			return lookupError(err, "транзакция", transactionID)
		}
		_, err := s.applyTransition(tx, &txn, models.PaymentStatusCancelled, map[string]any{}, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordPayment(string(txn.Method), string(models.PaymentStatusCancelled))
	slog.Info("Транзакция отменена", "transaction_id", transactionID, "actor", actor)
	return s.GetTransaction(ctx, transactionID)
}

// HandleGatewayCallback применяет итог асинхронного платежа, присланный шлюзом.
// Повторный callback с тем же итогом ничего не меняет.
func (s *PaymentService) HandleGatewayCallback(ctx context.Context, cb *gateway.Callback) (*models.PaymentTransaction, error) {
	now := s.now().UTC()
	var txn models.PaymentTransaction
	var outcome settlement
	changed := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Model(&models.PaymentTransaction{})
		switch {
		case cb.OrderID != "":
			query = query.Where("gateway_order_id = ?", cb.OrderID)
		case cb.MerchantOrderID != "":
			query = query.Where("merchant_order_id = ?", cb.MerchantOrderID)
		default:
			query = query.Where("gateway_transaction_id = ?", cb.TransactionID)
		}
		if err := query.First(&txn).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: транзакция шлюза %s/%s", ErrNotFound, cb.OrderID, cb.TransactionID)
			}
			return fmt.Errorf("ошибка при поиске транзакции: %w", err)
		}

		if cb.Pending {
			return nil
		}

		to := models.PaymentStatusFailed
		if cb.Success {
			to = models.PaymentStatusCompleted
		}
		if txn.Status == to {
			return nil
		}

		if cb.AmountCents != 0 && cb.AmountCents != gateway.ToCents(txn.Amount) {
			return fmt.Errorf("%w: сумма callback %d не совпадает с суммой транзакции #%d",
				ErrValidation, cb.AmountCents, txn.ID)
		}

		fields := map[string]any{
			"raw_gateway_response": datatypes.JSON(cb.Raw),
		}
		if cb.TransactionID != "" {
			fields["gateway_transaction_id"] = cb.TransactionID
		}
		if !cb.Success {
			reason := cb.Message
			if reason == "" {
				reason = gateway.ErrPaymentDeclined.Error()
			}
			fields["failure_reason"] = truncate(reason, maxFailureReason)
		}

		var err error
		outcome, err = s.applyTransition(tx, &txn, to, fields, now)
		changed = err == nil
		return err
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.afterTransition(ctx, &txn, outcome, now)
	}
	saved, err := s.GetTransaction(ctx, txn.ID)
	if err != nil {
		return nil, err
	}
	if outcome.conflict {
		return saved, fmt.Errorf("%w: платеж графика уже погашен другой транзакцией", ErrConflict)
	}
	return saved, nil
}

// GetTransaction возвращает транзакцию по ID
func (s *PaymentService) GetTransaction(ctx context.Context, id uint) (*models.PaymentTransaction, error) {
	var txn models.PaymentTransaction
	if err := s.db.WithContext(ctx).First(&txn, id).Error; err != nil {
		return nil, lookupError(err, "транзакция", id)
	}
	return &txn, nil
}

// settlement итог применения перехода транзакции
type settlement struct {
	from     models.PaymentStatus
	to       models.PaymentStatus
	paid     *InstallmentPaid
	conflict bool // Платеж графика погашен раньше, транзакция завершена как неуспешная
}

// applyTransition переводит транзакцию в статус to внутри транзакции базы.
// Статус перечитывается условием UPDATE: если он изменился, возвращается ErrConflict.
// При завершении платежа по графику сначала гасится платеж графика; если он уже
// погашен, транзакция переводится в FAILED.
func (s *PaymentService) applyTransition(tx *gorm.DB, txn *models.PaymentTransaction, to models.PaymentStatus, fields map[string]any, now time.Time) (settlement, error) {
	out := settlement{from: txn.Status, to: to}

	if to == models.PaymentStatusCompleted {
		paid, err := settleInstallment(tx, txn, now)
		switch {
		case errors.Is(err, ErrConflict):
			out.conflict = true
			out.to = models.PaymentStatusFailed
			fields["failure_reason"] = "платеж графика уже погашен другой транзакцией"
		case err != nil:
			return out, err
		default:
			out.paid = paid
		}
	}

	if out.to != out.from {
		if err := txn.TransitionTo(out.to); err != nil {
			return out, err
		}
	}

	if reason, ok := fields["failure_reason"].(string); ok {
		txn.FailureReason = reason
	}
	fields["status"] = out.to
	fields["updated_at"] = now
	if out.to == models.PaymentStatusCompleted {
		fields["completed_at"] = now
	}

	result := tx.Model(&models.PaymentTransaction{}).
		Where("id = ? AND status = ?", txn.ID, out.from).
		Updates(fields)
	if result.Error != nil {
		return out, fmt.Errorf("ошибка при обновлении транзакции: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return out, fmt.Errorf("%w: транзакция #%d", ErrConflict, txn.ID)
	}
	return out, nil
}

// settleInstallment гасит платеж графика, на который ссылается транзакция.
// Пеня фиксируется как превышение суммы транзакции над долгом и процентами.
func settleInstallment(tx *gorm.DB, txn *models.PaymentTransaction, now time.Time) (*InstallmentPaid, error) {
	id, ok := txn.Target().InstallmentID()
	if !ok {
		return nil, nil
	}

	var installment models.InstallmentSchedule
	if err := tx.First(&installment, id).Error; err != nil {
		return nil, lookupError(err, "платеж графика", id)
	}

	penalty := txn.Amount.Sub(installment.Amount.Add(installment.InterestAmount))
	if penalty.IsNegative() {
		penalty = decimal.Zero
	}

	result := tx.Model(&models.InstallmentSchedule{}).
		Where("id = ? AND status IN ?", id, models.OpenInstallmentStatuses).
		Updates(map[string]any{
			"status":         models.InstallmentStatusPaid,
			"paid_at":        now,
			"penalty_amount": penalty,
			"updated_at":     now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("ошибка при погашении платежа графика: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: платеж графика #%d", ErrConflict, id)
	}

	return &InstallmentPaid{
		InstallmentID: id,
		ContractID:    installment.ContractID,
		Sequence:      installment.Sequence,
		Amount:        txn.Amount,
		PaidAt:        now,
	}, nil
}

// afterTransition записывает метрики и публикует события после фиксации
func (s *PaymentService) afterTransition(ctx context.Context, txn *models.PaymentTransaction, out settlement, now time.Time) {
	s.metrics.RecordPayment(string(txn.Method), string(out.to))

	event := PaymentEvent{
		TransactionID: txn.ID,
		ContractID:    txn.ContractID,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		Method:        txn.Method,
		Status:        out.to,
		Target:        txn.Target(),
	}

	switch out.to {
	case models.PaymentStatusCompleted:
		s.bus.Publish(ctx, Event{Type: EventPaymentCompleted, OccurredAt: now, Payload: event})
		if out.paid != nil {
			s.bus.Publish(ctx, Event{Type: EventInstallmentPaid, OccurredAt: now, Payload: *out.paid})
		}
	case models.PaymentStatusFailed:
		event.Reason = txn.FailureReason
		if out.conflict {
			slog.Error("Платеж завершен после погашения платежа графика, требуется возврат",
				"transaction_id", txn.ID, "target", txn.Target().String(), "amount", txn.Amount)
		}
		s.bus.Publish(ctx, Event{Type: EventPaymentFailed, OccurredAt: now, Payload: event})
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
