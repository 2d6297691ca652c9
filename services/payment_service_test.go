package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"medcrm/gateway"
	"medcrm/models"
)

var cardSource = gateway.Source{Identifier: "tok_4111", Subtype: "TOKEN"}

func TestNewPaymentDispatcherRejectsOverlap(t *testing.T) {
	_, err := NewPaymentDispatcher(
		NewManualPaymentStrategy(),
		NewManualPaymentStrategy(models.PaymentMethodCash),
	)
	if err == nil {
		t.Fatal("expected error for overlapping strategies")
	}
}

func TestDispatcherMethods(t *testing.T) {
	dispatcher, err := NewPaymentDispatcher(
		NewManualPaymentStrategy(),
		NewGatewayPaymentStrategy(&fakeGateway{}, 7, 8),
	)
	if err != nil {
		t.Fatalf("NewPaymentDispatcher failed: %v", err)
	}

	want := []models.PaymentMethod{
		models.PaymentMethodBankTransfer,
		models.PaymentMethodCard,
		models.PaymentMethodCash,
		models.PaymentMethodWallet,
	}
	got := dispatcher.Methods()
	if len(got) != len(want) {
		t.Fatalf("methods: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("method %d: got %s want %s", i, got[i], want[i])
		}
	}
	if dispatcher.Supports(models.PaymentMethodCheque) {
		t.Error("cheque must not be supported")
	}
}

func TestDispatchUnsupportedMethodLeavesTransaction(t *testing.T) {
	dispatcher, err := NewPaymentDispatcher(NewManualPaymentStrategy())
	if err != nil {
		t.Fatalf("NewPaymentDispatcher failed: %v", err)
	}

	txn := &models.PaymentTransaction{ID: 9, Method: models.PaymentMethodCheque, Status: models.PaymentStatusPending}
	result := dispatcher.Dispatch(context.Background(), txn, PaymentContext{})

	if !errors.Is(result.Err, ErrUnsupportedPaymentMethod) {
		t.Fatalf("expected ErrUnsupportedPaymentMethod, got %v", result.Err)
	}
	if result.Category != CategoryRejected || result.Success {
		t.Errorf("unexpected result %+v", result)
	}
	if txn.Status != models.PaymentStatusPending {
		t.Errorf("transaction mutated: status %s", txn.Status)
	}
}

func TestPayInstallmentUnsupportedMethod(t *testing.T) {
	f := newFixture(t, testNow)
	contract := newScheduledContract(t, f, testNow)

	_, err := f.payments.PayInstallment(context.Background(), contract.Installments[0].ID, PayInstallmentRequest{
		Method: models.PaymentMethodCheque,
		Actor:  3,
	})
	if !errors.Is(err, ErrUnsupportedPaymentMethod) {
		t.Fatalf("expected ErrUnsupportedPaymentMethod, got %v", err)
	}
	if n := countTransactions(t, f.db, ""); n != 0 {
		t.Errorf("transactions created: %d", n)
	}
}

func TestPayInstallmentCashRequiresConfirmation(t *testing.T) {
	f := newFixture(t, testNow)
	contract := newScheduledContract(t, f, testNow)
	inst := contract.Installments[0]

	txn, err := f.payments.PayInstallment(context.Background(), inst.ID, PayInstallmentRequest{
		Method: models.PaymentMethodCash,
		Actor:  3,
	})
	if err != nil {
		t.Fatalf("PayInstallment failed: %v", err)
	}
	if txn.Status != models.PaymentStatusPending || !txn.RequiresConfirmation {
		t.Fatalf("cash payment: status %s requires_confirmation %v", txn.Status, txn.RequiresConfirmation)
	}
	if !txn.Amount.Equal(d("1120")) || txn.Currency != "EGP" {
		t.Errorf("amount: got %s %s want 1120 EGP", txn.Amount, txn.Currency)
	}
	if txn.MerchantOrderID != gateway.MerchantOrderID(txn.ID, 1) {
		t.Errorf("merchant order id: got %q", txn.MerchantOrderID)
	}
	if got := reloadInstallment(t, f.db, inst.ID); got.Status != models.InstallmentStatusPending {
		t.Fatalf("installment settled before confirmation: %s", got.Status)
	}

	var paid []InstallmentPaid
	On(f.bus, EventInstallmentPaid, func(ctx context.Context, e InstallmentPaid) error {
		paid = append(paid, e)
		return nil
	})

	confirmed, err := f.payments.Confirm(context.Background(), txn.ID, 4)
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if confirmed.Status != models.PaymentStatusCompleted || confirmed.ApprovedBy == nil || *confirmed.ApprovedBy != 4 {
		t.Errorf("confirmed transaction: %+v", confirmed)
	}

	settled := reloadInstallment(t, f.db, inst.ID)
	if settled.Status != models.InstallmentStatusPaid || settled.PaidAt == nil {
		t.Errorf("installment: status %s paid_at %v", settled.Status, settled.PaidAt)
	}
	if !settled.PenaltyAmount.IsZero() {
		t.Errorf("penalty: got %s want 0", settled.PenaltyAmount)
	}
	if len(paid) != 1 || paid[0].InstallmentID != inst.ID {
		t.Errorf("installment.paid events: %+v", paid)
	}

	_, err = f.payments.Confirm(context.Background(), txn.ID, 4)
	if !errors.Is(err, models.ErrTransactionFinalized) {
		t.Errorf("second confirm: expected ErrTransactionFinalized, got %v", err)
	}
}

func TestPayOverdueInstallmentRecordsPenalty(t *testing.T) {
	start := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, start)
	contract := newScheduledContract(t, f, start)
	inst := contract.Installments[0] // срок 15.02

	// Два начатых месяца просрочки: 1120 * 0.02 * 2 = 44.80
	f.clock.Set(time.Date(2026, 3, 27, 10, 0, 0, 0, time.UTC))

	txn, err := f.payments.PayInstallment(context.Background(), inst.ID, PayInstallmentRequest{
		Method: models.PaymentMethodBankTransfer,
		Actor:  3,
	})
	if err != nil {
		t.Fatalf("PayInstallment failed: %v", err)
	}
	if !txn.Amount.Equal(d("1164.80")) {
		t.Fatalf("amount due: got %s want 1164.80", txn.Amount)
	}

	if _, err := f.payments.Confirm(context.Background(), txn.ID, 4); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	settled := reloadInstallment(t, f.db, inst.ID)
	if !settled.PenaltyAmount.Equal(d("44.80")) {
		t.Errorf("penalty: got %s want 44.80", settled.PenaltyAmount)
	}
}

func TestPayInstallmentCardSuccess(t *testing.T) {
	f := newFixture(t, testNow)
	contract := newScheduledContract(t, f, testNow)
	inst := contract.Installments[0]

	var completed []PaymentEvent
	On(f.bus, EventPaymentCompleted, func(ctx context.Context, e PaymentEvent) error {
		completed = append(completed, e)
		return nil
	})

	txn, err := f.payments.PayInstallment(context.Background(), inst.ID, PayInstallmentRequest{
		Method:  models.PaymentMethodCard,
		Actor:   3,
		Billing: gateway.BillingData{Email: "client@example.com"},
		Source:  cardSource,
	})
	if err != nil {
		t.Fatalf("PayInstallment failed: %v", err)
	}
	if txn.Status != models.PaymentStatusCompleted || txn.CompletedAt == nil {
		t.Fatalf("status: got %s", txn.Status)
	}
	if txn.GatewayOrderID == "" || txn.GatewayTransactionID == "" {
		t.Errorf("gateway references not stored: %+v", txn)
	}

	requests := f.gateway.Requests()
	if len(requests) != 1 {
		t.Fatalf("gateway calls: got %d want 1", len(requests))
	}
	if requests[0].IntegrationID != 7 || !requests[0].Amount.Equal(d("1120")) || requests[0].Attempt != 1 {
		t.Errorf("unexpected gateway request %+v", requests[0])
	}

	if got := reloadInstallment(t, f.db, inst.ID); got.Status != models.InstallmentStatusPaid {
		t.Errorf("installment status: got %s want PAID", got.Status)
	}
	if len(completed) != 1 || completed[0].Target != models.InstallmentTarget(inst.ID) {
		t.Errorf("payment.completed events: %+v", completed)
	}

	_, err = f.payments.PayInstallment(context.Background(), inst.ID, PayInstallmentRequest{
		Method: models.PaymentMethodCard,
		Actor:  3,
		Source: cardSource,
	})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("paying a paid installment: expected ErrConflict, got %v", err)
	}
}

func TestPayInstallmentGatewayFailure(t *testing.T) {
	f := newFixture(t, testNow)
	contract := newScheduledContract(t, f, testNow)
	inst := contract.Installments[0]

	f.gateway.pay = func(ctx context.Context, req gateway.PaymentRequest) (*gateway.PaymentResult, error) {
		return nil, &gateway.Error{
			Step:        gateway.StepCreateOrder,
			Kind:        gateway.ErrOrderCreationFailed,
			Unavailable: true,
			Retryable:   true,
			Err:         context.DeadlineExceeded,
		}
	}

	txn, err := f.payments.PayInstallment(context.Background(), inst.ID, PayInstallmentRequest{
		Method: models.PaymentMethodCard,
		Actor:  3,
		Source: cardSource,
	})
	if !errors.Is(err, gateway.ErrOrderCreationFailed) {
		t.Fatalf("expected ErrOrderCreationFailed, got %v", err)
	}
	if Classify(err) != CategoryUnavailable {
		t.Errorf("category: got %s want UNAVAILABLE", Classify(err))
	}
	if txn == nil || txn.Status != models.PaymentStatusFailed || txn.FailureReason == "" {
		t.Fatalf("transaction not failed: %+v", txn)
	}
	if got := reloadInstallment(t, f.db, inst.ID); got.Status != models.InstallmentStatusPending {
		t.Errorf("installment status: got %s want PENDING", got.Status)
	}

	// Новая попытка разрешена и получает новый номер заказа
	f.gateway.pay = nil
	retry, err := f.payments.PayInstallment(context.Background(), inst.ID, PayInstallmentRequest{
		Method: models.PaymentMethodCard,
		Actor:  3,
		Source: cardSource,
	})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if retry.Attempt != 2 || retry.MerchantOrderID == txn.MerchantOrderID {
		t.Errorf("retry: attempt %d merchant order %q", retry.Attempt, retry.MerchantOrderID)
	}
}

func TestPayInstallmentDeclined(t *testing.T) {
	f := newFixture(t, testNow)
	contract := newScheduledContract(t, f, testNow)

	f.gateway.pay = func(ctx context.Context, req gateway.PaymentRequest) (*gateway.PaymentResult, error) {
		return nil, &gateway.Error{Step: gateway.StepSubmitPayment, Kind: gateway.ErrPaymentDeclined, Message: "insufficient funds"}
	}

	txn, err := f.payments.PayInstallment(context.Background(), contract.Installments[0].ID, PayInstallmentRequest{
		Method: models.PaymentMethodCard,
		Actor:  3,
		Source: cardSource,
	})
	if Classify(err) != CategoryDeclined {
		t.Fatalf("category: got %s (%v)", Classify(err), err)
	}
	if txn.Status != models.PaymentStatusFailed {
		t.Errorf("status: got %s want FAILED", txn.Status)
	}
}

func TestPayInstallmentCancelledContext(t *testing.T) {
	f := newFixture(t, testNow)
	contract := newScheduledContract(t, f, testNow)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.gateway.pay = func(ctx context.Context, req gateway.PaymentRequest) (*gateway.PaymentResult, error) {
		cancel()
		return nil, &gateway.Error{Step: gateway.StepPaymentKey, Kind: gateway.ErrKeyRequestFailed, Unavailable: true, Err: ctx.Err()}
	}

	txn, err := f.payments.PayInstallment(ctx, contract.Installments[0].ID, PayInstallmentRequest{
		Method: models.PaymentMethodCard,
		Actor:  3,
		Source: cardSource,
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if txn == nil || txn.Status != models.PaymentStatusFailed {
		t.Fatalf("transaction must be stored as failed: %+v", txn)
	}
}

func TestPayInstallmentPendingThenCallback(t *testing.T) {
	f := newFixture(t, testNow)
	contract := newScheduledContract(t, f, testNow)
	inst := contract.Installments[0]

	f.gateway.pay = func(ctx context.Context, req gateway.PaymentRequest) (*gateway.PaymentResult, error) {
		return &gateway.PaymentResult{
			OrderID:     "ord-55",
			RedirectURL: "https://accept.example.com/3ds",
			Pending:     true,
		}, nil
	}

	txn, err := f.payments.PayInstallment(context.Background(), inst.ID, PayInstallmentRequest{
		Method: models.PaymentMethodCard,
		Actor:  3,
		Source: cardSource,
	})
	if err != nil {
		t.Fatalf("PayInstallment failed: %v", err)
	}
	if txn.Status != models.PaymentStatusProcessing || txn.RedirectURL == "" {
		t.Fatalf("pending payment: status %s redirect %q", txn.Status, txn.RedirectURL)
	}

	// Пока идет обработка, вторая попытка отклоняется
	_, err = f.payments.PayInstallment(context.Background(), inst.ID, PayInstallmentRequest{
		Method: models.PaymentMethodCash,
		Actor:  3,
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict while processing, got %v", err)
	}

	cb := &gateway.Callback{
		OrderID:       "ord-55",
		TransactionID: "gw-555",
		Success:       true,
		AmountCents:   112000,
		Raw:           json.RawMessage(`{"obj":{"id":555}}`),
	}
	done, err := f.payments.HandleGatewayCallback(context.Background(), cb)
	if err != nil {
		t.Fatalf("HandleGatewayCallback failed: %v", err)
	}
	if done.Status != models.PaymentStatusCompleted || done.GatewayTransactionID != "gw-555" {
		t.Errorf("after callback: %+v", done)
	}
	if got := reloadInstallment(t, f.db, inst.ID); got.Status != models.InstallmentStatusPaid {
		t.Errorf("installment status: got %s want PAID", got.Status)
	}

	// Повторная доставка ничего не меняет
	again, err := f.payments.HandleGatewayCallback(context.Background(), cb)
	if err != nil {
		t.Fatalf("duplicate callback failed: %v", err)
	}
	if again.Status != models.PaymentStatusCompleted {
		t.Errorf("duplicate callback changed status to %s", again.Status)
	}
}

func TestHandleGatewayCallbackRejectsAmountMismatch(t *testing.T) {
	f := newFixture(t, testNow)
	contract := newScheduledContract(t, f, testNow)

	f.gateway.pay = func(ctx context.Context, req gateway.PaymentRequest) (*gateway.PaymentResult, error) {
		return &gateway.PaymentResult{OrderID: "ord-77", Pending: true}, nil
	}
	txn, err := f.payments.PayInstallment(context.Background(), contract.Installments[0].ID, PayInstallmentRequest{
		Method: models.PaymentMethodCard,
		Actor:  3,
		Source: cardSource,
	})
	if err != nil {
		t.Fatalf("PayInstallment failed: %v", err)
	}

	_, err = f.payments.HandleGatewayCallback(context.Background(), &gateway.Callback{
		OrderID:     "ord-77",
		Success:     true,
		AmountCents: 100,
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	stored, err := f.payments.GetTransaction(context.Background(), txn.ID)
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if stored.Status != models.PaymentStatusProcessing {
		t.Errorf("status: got %s want PROCESSING", stored.Status)
	}
}

func TestHandleGatewayCallbackUnknownOrder(t *testing.T) {
	f := newFixture(t, testNow)

	_, err := f.payments.HandleGatewayCallback(context.Background(), &gateway.Callback{OrderID: "missing", Success: true})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPayInstallmentSecondAttemptWhileGatewayInFlight(t *testing.T) {
	f := newFixture(t, testNow)
	contract := newScheduledContract(t, f, testNow)
	inst := contract.Installments[0]

	started := make(chan struct{})
	release := make(chan struct{})
	f.gateway.pay = func(ctx context.Context, req gateway.PaymentRequest) (*gateway.PaymentResult, error) {
		close(started)
		<-release
		return &gateway.PaymentResult{OrderID: "ord-1", TransactionID: "gw-1"}, nil
	}

	type outcome struct {
		txn *models.PaymentTransaction
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		txn, err := f.payments.PayInstallment(context.Background(), inst.ID, PayInstallmentRequest{
			Method: models.PaymentMethodCard,
			Actor:  3,
			Source: cardSource,
		})
		first <- outcome{txn, err}
	}()

	<-started
	_, err := f.payments.PayInstallment(context.Background(), inst.ID, PayInstallmentRequest{
		Method: models.PaymentMethodCash,
		Actor:  4,
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("second attempt: expected ErrConflict, got %v", err)
	}
	close(release)

	res := <-first
	if res.err != nil || res.txn.Status != models.PaymentStatusCompleted {
		t.Fatalf("first attempt: %+v, err %v", res.txn, res.err)
	}
	if n := countTransactions(t, f.db, ""); n != 1 {
		t.Errorf("transactions: got %d want 1", n)
	}
}

func TestPayInstallmentConcurrentAttempts(t *testing.T) {
	f := newFixture(t, testNow)
	contract := newScheduledContract(t, f, testNow)
	inst := contract.Installments[0]

	const attempts = 5
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.payments.PayInstallment(context.Background(), inst.ID, PayInstallmentRequest{
				Method: models.PaymentMethodCard,
				Actor:  3,
				Source: cardSource,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 || conflicts != attempts-1 {
		t.Fatalf("succeeded %d conflicts %d", succeeded, conflicts)
	}
	completed := countTransactions(t, f.db, "status = ?", models.PaymentStatusCompleted)
	if completed != 1 {
		t.Errorf("completed transactions: got %d want 1", completed)
	}
	if got := reloadInstallment(t, f.db, inst.ID); got.Status != models.InstallmentStatusPaid {
		t.Errorf("installment status: got %s", got.Status)
	}
}

func TestConfirmAfterInstallmentPaidElsewhere(t *testing.T) {
	f := newFixture(t, testNow)
	contract := newScheduledContract(t, f, testNow)
	inst := contract.Installments[0]

	cash, err := f.payments.PayInstallment(context.Background(), inst.ID, PayInstallmentRequest{
		Method: models.PaymentMethodCash,
		Actor:  3,
	})
	if err != nil {
		t.Fatalf("PayInstallment failed: %v", err)
	}

	// Платеж погашен в обход активной транзакции
	if err := f.db.Model(&models.InstallmentSchedule{}).Where("id = ?", inst.ID).
		Updates(map[string]any{"status": models.InstallmentStatusPaid, "paid_at": testNow}).Error; err != nil {
		t.Fatalf("mark paid failed: %v", err)
	}

	_, err = f.payments.Confirm(context.Background(), cash.ID, 4)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	stored, err := f.payments.GetTransaction(context.Background(), cash.ID)
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if stored.Status != models.PaymentStatusPending {
		t.Errorf("status: got %s want PENDING", stored.Status)
	}

	cancelled, err := f.payments.Cancel(context.Background(), cash.ID, 4)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != models.PaymentStatusCancelled {
		t.Errorf("status: got %s want CANCELLED", cancelled.Status)
	}
}

func TestCancelTransaction(t *testing.T) {
	f := newFixture(t, testNow)
	contract := newScheduledContract(t, f, testNow)

	txn, err := f.payments.PayInstallment(context.Background(), contract.Installments[0].ID, PayInstallmentRequest{
		Method: models.PaymentMethodCash,
		Actor:  3,
	})
	if err != nil {
		t.Fatalf("PayInstallment failed: %v", err)
	}

	if _, err := f.payments.Cancel(context.Background(), txn.ID, 3); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	_, err = f.payments.Cancel(context.Background(), txn.ID, 3)
	if !errors.Is(err, models.ErrTransactionFinalized) {
		t.Errorf("second cancel: expected ErrTransactionFinalized, got %v", err)
	}
	_, err = f.payments.Confirm(context.Background(), txn.ID, 4)
	if !errors.Is(err, models.ErrTransactionFinalized) {
		t.Errorf("confirm after cancel: expected ErrTransactionFinalized, got %v", err)
	}
}

func TestConfirmGatewayTransactionNotAllowed(t *testing.T) {
	f := newFixture(t, testNow)
	contract := newScheduledContract(t, f, testNow)

	f.gateway.pay = func(ctx context.Context, req gateway.PaymentRequest) (*gateway.PaymentResult, error) {
		return &gateway.PaymentResult{OrderID: "ord-9", Pending: true}, nil
	}
	txn, err := f.payments.PayInstallment(context.Background(), contract.Installments[0].ID, PayInstallmentRequest{
		Method: models.PaymentMethodCard,
		Actor:  3,
		Source: cardSource,
	})
	if err != nil {
		t.Fatalf("PayInstallment failed: %v", err)
	}

	_, err = f.payments.Confirm(context.Background(), txn.ID, 4)
	if !errors.Is(err, ErrConfirmationNotAllowed) {
		t.Fatalf("expected ErrConfirmationNotAllowed, got %v", err)
	}
}

func TestInstallmentCollectionRequiresDelegate(t *testing.T) {
	f := newFixture(t, testNow)
	contract := newScheduledContract(t, f, testNow)
	inst := contract.Installments[0]

	_, err := f.payments.PayInstallment(context.Background(), inst.ID, PayInstallmentRequest{
		Method: models.PaymentMethodInstallmentCollection,
		Actor:  3,
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if n := countTransactions(t, f.db, ""); n != 0 {
		t.Errorf("transactions created: %d", n)
	}

	txn, err := f.payments.PayInstallment(context.Background(), inst.ID, PayInstallmentRequest{
		Method:               models.PaymentMethodInstallmentCollection,
		Actor:                3,
		CollectionDelegateID: ptr(uint(42)),
	})
	if err != nil {
		t.Fatalf("PayInstallment failed: %v", err)
	}
	if txn.Status != models.PaymentStatusPending || !txn.RequiresConfirmation || *txn.CollectionDelegateID != 42 {
		t.Errorf("collection transaction: %+v", txn)
	}
}

func TestGatewayStrategyRequiresSource(t *testing.T) {
	f := newFixture(t, testNow)
	contract := newScheduledContract(t, f, testNow)

	txn, err := f.payments.PayInstallment(context.Background(), contract.Installments[0].ID, PayInstallmentRequest{
		Method: models.PaymentMethodCard,
		Actor:  3,
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if txn == nil || txn.Status != models.PaymentStatusFailed {
		t.Errorf("transaction: %+v", txn)
	}
	if len(f.gateway.Requests()) != 0 {
		t.Error("gateway must not be called without a source")
	}
}

func TestChargeGeneralPayment(t *testing.T) {
	f := newFixture(t, testNow)
	contract := newContract(t, f)

	_, err := f.payments.Charge(context.Background(), ChargeRequest{
		ContractID: &contract.ID,
		Amount:     d("0"),
		Method:     models.PaymentMethodBankTransfer,
		Actor:      3,
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("zero amount: expected ErrValidation, got %v", err)
	}

	txn, err := f.payments.Charge(context.Background(), ChargeRequest{
		ContractID:       &contract.ID,
		GeneralPaymentID: ptr(uint(77)),
		Amount:           d("250.555"),
		Method:           models.PaymentMethodCard,
		Actor:            3,
		Source:           cardSource,
	})
	if err != nil {
		t.Fatalf("Charge failed: %v", err)
	}
	if txn.Status != models.PaymentStatusCompleted {
		t.Errorf("status: got %s", txn.Status)
	}
	if txn.Target() != models.GeneralPaymentTarget(77) {
		t.Errorf("target: got %s", txn.Target())
	}
	if !txn.Amount.Equal(d("250.56")) {
		t.Errorf("amount: got %s want 250.56", txn.Amount)
	}

	_, err = f.payments.Charge(context.Background(), ChargeRequest{
		ContractID: ptr(uint(999)),
		Amount:     d("10"),
		Method:     models.PaymentMethodCash,
		Actor:      3,
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown contract: expected ErrNotFound, got %v", err)
	}
}

func TestAmountDue(t *testing.T) {
	inst := &models.InstallmentSchedule{
		Amount:         d("1000"),
		InterestAmount: d("120"),
		DueDate:        time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
	}

	cases := []struct {
		name string
		now  time.Time
		want string
	}{
		{"before due", time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), "1120"},
		{"on due date", time.Date(2026, 1, 10, 18, 0, 0, 0, time.UTC), "1120"},
		{"one day late", time.Date(2026, 1, 11, 0, 0, 0, 0, time.UTC), "1142.4"},
		{"second month", time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC), "1164.8"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := AmountDue(inst, d("0.02"), tc.now, time.UTC)
			if !got.Equal(d(tc.want)) {
				t.Errorf("got %s want %s", got, tc.want)
			}
		})
	}
}
