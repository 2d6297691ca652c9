package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"medcrm/config"
	"medcrm/database"
	"medcrm/gateway"
	"medcrm/models"
)

// testClock управляемые часы для сервисов
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{now: t}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// recordingNotifier запоминает отправленные уведомления
type recordingNotifier struct {
	mu    sync.Mutex
	calls int
	sent  []Notification
	fail  func(n Notification) error
	block func(n Notification)
}

func (r *recordingNotifier) Notify(ctx context.Context, n Notification) error {
	if r.block != nil {
		r.block(n)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail != nil {
		if err := r.fail(n); err != nil {
			return err
		}
	}
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

func (r *recordingNotifier) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// fakeGateway заменяет клиент платежного шлюза
type fakeGateway struct {
	mu       sync.Mutex
	requests []gateway.PaymentRequest
	pay      func(ctx context.Context, req gateway.PaymentRequest) (*gateway.PaymentResult, error)
}

func (g *fakeGateway) Pay(ctx context.Context, req gateway.PaymentRequest) (*gateway.PaymentResult, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	pay := g.pay
	g.mu.Unlock()

	if pay != nil {
		return pay(ctx, req)
	}
	return &gateway.PaymentResult{
		OrderID:         fmt.Sprintf("ord-%d", req.TransactionID),
		MerchantOrderID: gateway.MerchantOrderID(req.TransactionID, req.Attempt),
		TransactionID:   fmt.Sprintf("gw-%d-%d", req.TransactionID, req.Attempt),
		Raw:             []byte(`{"success":true}`),
	}, nil
}

func (g *fakeGateway) Requests() []gateway.PaymentRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gateway.PaymentRequest(nil), g.requests...)
}

// fakeLock заменяет распределенную блокировку обхода
type fakeLock struct {
	mu       sync.Mutex
	acquired bool
	err      error
	released int
}

func (l *fakeLock) TryLock(ctx context.Context) (func(), bool, error) {
	if l.err != nil {
		return nil, false, l.err
	}
	if !l.acquired {
		return nil, false, nil
	}
	return func() {
		l.mu.Lock()
		l.released++
		l.mu.Unlock()
	}, true, nil
}

// fixture собирает сервисы поверх базы в памяти
type fixture struct {
	db        *gorm.DB
	clock     *testClock
	bus       *EventBus
	notifier  *recordingNotifier
	gateway   *fakeGateway
	contracts *ContractService
	payments  *PaymentService
	sweeps    *ReminderSweepService
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory failed: %v", err)
	}
	t.Cleanup(func() { database.Close(db) })
	return db
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()

	f := &fixture{
		db:       newTestDB(t),
		clock:    newTestClock(now),
		bus:      NewEventBus(),
		notifier: &recordingNotifier{},
		gateway:  &fakeGateway{},
	}

	f.contracts = NewContractService(f.db, f.bus, nil, 30)
	f.contracts.now = f.clock.Now

	dispatcher, err := NewPaymentDispatcher(
		NewManualPaymentStrategy(),
		InstallmentCollectionStrategy{},
		NewGatewayPaymentStrategy(f.gateway, 7, 0),
	)
	if err != nil {
		t.Fatalf("NewPaymentDispatcher failed: %v", err)
	}
	f.payments = NewPaymentService(f.db, dispatcher, f.bus, nil, "EGP", time.UTC)
	f.payments.now = f.clock.Now

	f.sweeps, err = NewReminderSweepService(f.db, f.notifier, f.contracts, nil, nil, config.DefaultReminderConfig())
	if err != nil {
		t.Fatalf("NewReminderSweepService failed: %v", err)
	}
	f.sweeps.now = f.clock.Now

	return f
}

func ptr[T any](v T) *T {
	return &v
}

func newContract(t *testing.T, f *fixture) *models.Contract {
	t.Helper()
	contract, err := f.contracts.Create(context.Background(), CreateContractRequest{
		Title:       "Поставка оборудования",
		DealID:      10,
		ClientID:    20,
		ClientEmail: "client@example.com",
		DraftedBy:   1,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return contract
}

func advance(t *testing.T, f *fixture, id uint, target models.ContractStatus) *models.Contract {
	t.Helper()
	contract, err := f.contracts.Advance(context.Background(), id, TransitionRequest{Target: target, Actor: 1})
	if err != nil {
		t.Fatalf("Advance to %s failed: %v", target, err)
	}
	return contract
}

// scheduledTerms рассрочка 12000 на 12 месяцев под 1% с пеней 2%
func scheduledTerms(start time.Time) FinancialTerms {
	return FinancialTerms{
		InstallmentAmount: ptr(d("12000")),
		InterestRate:      ptr(d("0.01")),
		PenaltyRate:       ptr(d("0.02")),
		DurationMonths:    ptr(12),
		StartDate:         start,
		ConfiguredBy:      2,
	}
}

// newScheduledContract создает отправленный клиенту договор с графиком
func newScheduledContract(t *testing.T, f *fixture, start time.Time) *models.Contract {
	t.Helper()
	contract := newContract(t, f)
	advance(t, f, contract.ID, models.ContractStatusSentToCustomer)

	contract, err := f.contracts.FinalizeFinancials(context.Background(), contract.ID, scheduledTerms(start))
	if err != nil {
		t.Fatalf("FinalizeFinancials failed: %v", err)
	}
	if len(contract.Installments) != 12 {
		t.Fatalf("expected 12 installments, got %d", len(contract.Installments))
	}
	return contract
}

// seedInstallment добавляет платеж графика к договору напрямую
func seedInstallment(t *testing.T, db *gorm.DB, contractID uint, seq int, due time.Time, status models.InstallmentStatus) *models.InstallmentSchedule {
	t.Helper()
	inst := &models.InstallmentSchedule{
		ContractID:     contractID,
		Sequence:       seq,
		Amount:         d("1000"),
		InterestAmount: d("120"),
		PenaltyAmount:  decimal.Zero,
		DueDate:        due.UTC(),
		Status:         status,
	}
	if status == models.InstallmentStatusPaid {
		paidAt := due.UTC()
		inst.PaidAt = &paidAt
	}
	if err := db.Create(inst).Error; err != nil {
		t.Fatalf("seed installment failed: %v", err)
	}
	return inst
}

var contractSeq atomic.Int64

// seedContract добавляет договор в заданном статусе с пеней 2%
func seedContract(t *testing.T, db *gorm.DB, status models.ContractStatus) *models.Contract {
	t.Helper()
	contract := &models.Contract{
		Number:      fmt.Sprintf("CN-TEST-%04d", contractSeq.Add(1)),
		Title:       "Сервисное обслуживание",
		DealID:      11,
		ClientID:    21,
		ClientEmail: "payer@example.com",
		Status:      status,
		DraftedAt:   time.Now().UTC(),
		DraftedBy:   1,
		PenaltyRate: decimal.NullDecimal{Decimal: d("0.02"), Valid: true},
	}
	if err := db.Create(contract).Error; err != nil {
		t.Fatalf("seed contract failed: %v", err)
	}
	return contract
}

func reloadInstallment(t *testing.T, db *gorm.DB, id uint) models.InstallmentSchedule {
	t.Helper()
	var inst models.InstallmentSchedule
	if err := db.First(&inst, id).Error; err != nil {
		t.Fatalf("reload installment %d failed: %v", id, err)
	}
	return inst
}

func countTransactions(t *testing.T, db *gorm.DB, where string, args ...any) int64 {
	t.Helper()
	var n int64
	query := db.Model(&models.PaymentTransaction{})
	if where != "" {
		query = query.Where(where, args...)
	}
	if err := query.Count(&n).Error; err != nil {
		t.Fatalf("count transactions failed: %v", err)
	}
	return n
}
