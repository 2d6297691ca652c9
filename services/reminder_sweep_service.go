package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"medcrm/config"
	"medcrm/models"
	"medcrm/utils"
)

// ReminderKind тип напоминания
type ReminderKind string

const (
	ReminderFirst   ReminderKind = "first"
	ReminderSecond  ReminderKind = "second"
	ReminderFinal   ReminderKind = "final"
	ReminderOverdue ReminderKind = "overdue"
)

// SweepReport итог одного обхода
type SweepReport struct {
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	Scanned        int       `json:"scanned"`
	Sent           int       `json:"sent"`
	MarkedOverdue  int       `json:"marked_overdue"`
	Superseded     int       `json:"superseded"`
	NotifyFailures int       `json:"notify_failures"`
	Errors         int       `json:"errors"`
}

// threshold порог напоминания и его флаг
type threshold struct {
	kind   ReminderKind
	days   int
	column string
	isSet  func(i *models.InstallmentSchedule) bool
}

// ReminderSweepService периодически обходит неоплаченные платежи графика:
// отправляет напоминания и помечает просроченные.
type ReminderSweepService struct {
	db        *gorm.DB
	notifier  Notifier
	contracts *ContractService
	lock      SweepLock
	metrics   *utils.Metrics
	cfg       config.ReminderConfig
	running   atomic.Bool
	now       func() time.Time
}

// NewReminderSweepService создает новый экземпляр ReminderSweepService.
// lock может быть nil, тогда обходы исключаются только внутри процесса.
func NewReminderSweepService(db *gorm.DB, notifier Notifier, contracts *ContractService, lock SweepLock, metrics *utils.Metrics, cfg config.ReminderConfig) (*ReminderSweepService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &ReminderSweepService{
		db:        db,
		notifier:  notifier,
		contracts: contracts,
		lock:      lock,
		metrics:   metrics,
		cfg:       cfg,
		now:       time.Now,
	}, nil
}

// thresholds возвращает пороги в порядке близости к сроку
func (s *ReminderSweepService) thresholds() []threshold {
	return []threshold{
		{ReminderFinal, s.cfg.FinalNoticeDays, "reminder_1d_sent", func(i *models.InstallmentSchedule) bool { return i.OneDayReminderSent }},
		{ReminderSecond, s.cfg.SecondNoticeDays, "reminder_2d_sent", func(i *models.InstallmentSchedule) bool { return i.TwoDayReminderSent }},
		{ReminderFirst, s.cfg.FirstNoticeDays, "reminder_7d_sent", func(i *models.InstallmentSchedule) bool { return i.SevenDayReminderSent }},
	}
}

// Start запускает обход платежей и проверку сроков договоров по таймерам
func (s *ReminderSweepService) Start(ctx context.Context, expiryInterval time.Duration) {
	// Обход платежей
	sweepTicker := time.NewTicker(s.cfg.Interval)
	go func() {
		defer sweepTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sweepTicker.C:
				if _, err := s.RunOnce(ctx); err != nil {
					if errors.Is(err, ErrSweepInProgress) {
						slog.Info("Обход платежей пропущен: предыдущий еще выполняется")
						continue
					}
					slog.Error("Ошибка при обходе платежей", "error", err)
				}
			}
		}
	}()

	if s.contracts == nil || expiryInterval <= 0 {
		return
	}

	// Истечение срока действия договоров
	expiryTicker := time.NewTicker(expiryInterval)
	go func() {
		defer expiryTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-expiryTicker.C:
				expired, err := s.contracts.ExpireStale(ctx)
				if err != nil {
					slog.Error("Ошибка при проверке сроков договоров", "error", err)
					continue
				}
				if expired > 0 {
					slog.Info("Истек срок действия договоров", "count", expired)
				}
			}
		}
	}()
}

// RunOnce выполняет один обход. Если обход уже идет, возвращает ErrSweepInProgress.
func (s *ReminderSweepService) RunOnce(ctx context.Context) (*SweepReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.RecordSweep("skipped", 0)
		return nil, ErrSweepInProgress
	}
	defer s.running.Store(false)

	if s.lock != nil {
		release, acquired, err := s.lock.TryLock(ctx)
		if err != nil {
			s.metrics.RecordSweep("failed", 0)
			return nil, err
		}
		if !acquired {
			s.metrics.RecordSweep("skipped", 0)
			return nil, ErrSweepInProgress
		}
		defer release()
	}

	report := &SweepReport{StartedAt: s.now()}
	err := s.sweep(ctx, report)
	report.FinishedAt = s.now()

	outcome := "completed"
	if err != nil {
		outcome = "failed"
	}
	s.metrics.RecordSweep(outcome, report.FinishedAt.Sub(report.StartedAt))
	utils.LogOperation("reminder_sweep", report.StartedAt, err,
		"scanned", report.Scanned, "sent", report.Sent, "overdue", report.MarkedOverdue,
		"notify_failures", report.NotifyFailures)

	return report, err
}

func (s *ReminderSweepService) sweep(ctx context.Context, report *SweepReport) error {
	now := s.now()
	// Берем с запасом в сутки: сравнение по календарным дням выполняется ниже
	horizon := now.UTC().AddDate(0, 0, s.cfg.FirstNoticeDays+1)

	var ids []uint
	if err := s.db.WithContext(ctx).Model(&models.InstallmentSchedule{}).
		Where("status IN ? AND due_date <= ?", models.OpenInstallmentStatuses, horizon).
		Order("due_date, id").
		Pluck("id", &ids).Error; err != nil {
		return fmt.Errorf("ошибка при получении платежей графика: %w", err)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		report.Scanned++
		// Ошибка по одному платежу не прерывает обход остальных
		if err := s.processInstallment(ctx, id, now, report); err != nil {
			report.Errors++
			slog.Error("Ошибка при обработке платежа графика", "installment_id", id, "error", err)
		}
	}
	return nil
}

// reminderDecision описывает изменения одного платежа за обход
type reminderDecision struct {
	updates    map[string]any
	claimFlag  string // Флаг, который захватывается перед отправкой
	send       ReminderKind
	overdue    bool
	superseded int
}

// decide определяет, какое напоминание отправить. Отправляется только ближайший
// к сроку порог, более дальние неотправленные пороги помечаются как пройденные.
// Просрочка перекрывает все пороги до срока.
func (s *ReminderSweepService) decide(inst *models.InstallmentSchedule, penaltyRate decimal.Decimal, now time.Time) reminderDecision {
	d := reminderDecision{updates: map[string]any{}}
	daysUntilDue := DaysBetween(now, inst.DueDate, s.cfg.Location)

	if daysUntilDue < 0 {
		if inst.Status == models.InstallmentStatusPending {
			d.updates["status"] = models.InstallmentStatusOverdue
			d.overdue = true
		}
		base := inst.Amount.Add(inst.InterestAmount)
		penalty := CalculatePenalty(base, penaltyRate, MonthsLate(inst.DueDate, now, s.cfg.Location))
		if !penalty.Equal(inst.PenaltyAmount) {
			d.updates["penalty_amount"] = penalty
		}
		if !inst.OverdueNotificationSent {
			d.updates["overdue_sent"] = true
			d.claimFlag = "overdue_sent"
			d.send = ReminderOverdue
		}
		for _, t := range s.thresholds() {
			if !t.isSet(inst) {
				d.updates[t.column] = true
				d.superseded++
			}
		}
		return d
	}

	nearest := -1
	for i, t := range s.thresholds() {
		if daysUntilDue <= t.days {
			nearest = i
			break
		}
	}
	if nearest < 0 {
		return d
	}

	for i, t := range s.thresholds() {
		if i < nearest || t.isSet(inst) {
			continue
		}
		d.updates[t.column] = true
		if i == nearest {
			d.claimFlag = t.column
			d.send = t.kind
		} else {
			d.superseded++
		}
	}
	return d
}

// processInstallment применяет решение по одному платежу в своей транзакции
// и отправляет уведомление после фиксации: флаг захватывается до отправки,
// поэтому одно напоминание не уходит дважды.
func (s *ReminderSweepService) processInstallment(ctx context.Context, id uint, now time.Time, report *SweepReport) error {
	var inst models.InstallmentSchedule
	var decision reminderDecision

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Перечитываем платеж внутри транзакции
		if err := tx.Preload("Contract").First(&inst, id).Error; err != nil {
			return lookupError(err, "платеж графика", id)
		}
		if !inst.Status.IsOpen() {
			return nil
		}

		penaltyRate := decimal.Zero
		if inst.Contract != nil && inst.Contract.PenaltyRate.Valid {
			penaltyRate = inst.Contract.PenaltyRate.Decimal
		}

		decision = s.decide(&inst, penaltyRate, now)
		if len(decision.updates) == 0 {
			return nil
		}
		decision.updates["updated_at"] = now.UTC()
		if decision.send != "" {
			decision.updates["last_reminder_sent_at"] = now.UTC()
		}

		query := tx.Model(&models.InstallmentSchedule{}).Where("id = ? AND status = ?", id, inst.Status)
		if decision.claimFlag != "" {
			query = query.Where(decision.claimFlag+" = ?", false)
		}
		result := query.Updates(decision.updates)
		if result.Error != nil {
			return fmt.Errorf("ошибка при обновлении платежа графика: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			// Платеж оплачен или обработан параллельно
			decision = reminderDecision{}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if decision.overdue {
		report.MarkedOverdue++
	}
	report.Superseded += decision.superseded
	if decision.send == "" {
		return nil
	}

	if penalty, ok := decision.updates["penalty_amount"].(decimal.Decimal); ok {
		inst.PenaltyAmount = penalty
	}
	notification := s.buildNotification(&inst, decision.send, now)
	if err := s.notifier.Notify(ctx, notification); err != nil {
		report.NotifyFailures++
		s.metrics.RecordNotificationFailure()
		slog.Warn("Не удалось отправить напоминание",
			"installment_id", id, "kind", decision.send, "error", err)
		return nil
	}

	report.Sent++
	s.metrics.RecordReminder(string(decision.send))
	return nil
}

func (s *ReminderSweepService) buildNotification(inst *models.InstallmentSchedule, kind ReminderKind, now time.Time) Notification {
	number := ""
	var recipient uint
	if inst.Contract != nil {
		number = inst.Contract.Number
		recipient = inst.Contract.ClientID
	}
	due := inst.DueDate.In(s.cfg.Location).Format("02.01.2006")

	n := Notification{
		RecipientID: recipient,
		Metadata:    installmentMetadata(inst.Contract, inst),
	}
	n.Metadata["kind"] = string(kind)

	if kind == ReminderOverdue {
		n.Title = "Платеж просрочен"
		n.Body = fmt.Sprintf("Платеж №%d по договору %s со сроком %s просрочен. Сумма к оплате с учетом пени: %s.",
			inst.Sequence, number, due, inst.Total().StringFixed(2))
		n.Category = NotifyOverdue
		n.Priority = PriorityHigh
		return n
	}

	days := DaysBetween(now, inst.DueDate, s.cfg.Location)
	n.Title = "Напоминание о платеже"
	n.Body = fmt.Sprintf("Платеж №%d по договору %s на сумму %s необходимо оплатить до %s (осталось дней: %d).",
		inst.Sequence, number, inst.Total().StringFixed(2), due, days)
	n.Category = NotifyReminder
	switch kind {
	case ReminderFinal:
		n.Priority = PriorityHigh
	case ReminderSecond:
		n.Priority = PriorityNormal
	default:
		n.Priority = PriorityLow
	}
	return n
}
