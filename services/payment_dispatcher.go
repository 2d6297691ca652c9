package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"medcrm/gateway"
	"medcrm/models"
)

// PaymentContext содержит данные, которые стратегии получают помимо транзакции
type PaymentContext struct {
	Billing gateway.BillingData
	Source  gateway.Source
}

// PaymentResult - единый результат обработки платежа любой стратегией
type PaymentResult struct {
	Success              bool
	Status               models.PaymentStatus // Статус, в который нужно перевести транзакцию
	GatewayOrderID       string
	GatewayReference     string
	RedirectURL          string
	RawResponse          []byte
	RequiresConfirmation bool
	Err                  error
	Category             ResultCategory
}

// PaymentStrategy обрабатывает платежи определенных способов оплаты.
// Стратегия не пишет в базу: она только сообщает, каким должен стать статус.
type PaymentStrategy interface {
	SupportedMethods() []models.PaymentMethod
	Process(ctx context.Context, tx *models.PaymentTransaction, pc PaymentContext) PaymentResult
}

// PaymentDispatcher направляет платеж стратегии, поддерживающей способ оплаты
type PaymentDispatcher struct {
	strategies map[models.PaymentMethod]PaymentStrategy
}

// NewPaymentDispatcher регистрирует стратегии. Пересечение способов оплаты
// двух стратегий является ошибкой конфигурации.
func NewPaymentDispatcher(strategies ...PaymentStrategy) (*PaymentDispatcher, error) {
	d := &PaymentDispatcher{strategies: make(map[models.PaymentMethod]PaymentStrategy)}
	for _, strategy := range strategies {
		for _, method := range strategy.SupportedMethods() {
			if existing, ok := d.strategies[method]; ok {
				return nil, fmt.Errorf("способ оплаты %s уже обслуживается стратегией %T, повторная регистрация в %T",
					method, existing, strategy)
			}
			d.strategies[method] = strategy
		}
	}
	return d, nil
}

// Supports сообщает, зарегистрирована ли стратегия для способа оплаты
func (d *PaymentDispatcher) Supports(method models.PaymentMethod) bool {
	_, ok := d.strategies[method]
	return ok
}

// Methods возвращает зарегистрированные способы оплаты
func (d *PaymentDispatcher) Methods() []models.PaymentMethod {
	methods := make([]models.PaymentMethod, 0, len(d.strategies))
	for method := range d.strategies {
		methods = append(methods, method)
	}
	sort.Slice(methods, func(i, j int) bool { return methods[i] < methods[j] })
	return methods
}

// Dispatch вызывает стратегию способа оплаты. Для незарегистрированного способа
// сразу возвращает ErrUnsupportedPaymentMethod, транзакция не изменяется.
func (d *PaymentDispatcher) Dispatch(ctx context.Context, tx *models.PaymentTransaction, pc PaymentContext) PaymentResult {
	strategy, ok := d.strategies[tx.Method]
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnsupportedPaymentMethod, tx.Method)
		return PaymentResult{Err: err, Category: CategoryRejected}
	}
	result := strategy.Process(ctx, tx, pc)
	if result.Category == "" {
		result.Category = Classify(result.Err)
	}
	return result
}

// ManualPaymentStrategy принимает наличные и переводы. Деньги не считаются
// полученными до подтверждения сотрудником бухгалтерии.
type ManualPaymentStrategy struct {
	methods []models.PaymentMethod
}

// NewManualPaymentStrategy создает стратегию ручного подтверждения
func NewManualPaymentStrategy(methods ...models.PaymentMethod) *ManualPaymentStrategy {
	if len(methods) == 0 {
		methods = []models.PaymentMethod{models.PaymentMethodCash, models.PaymentMethodBankTransfer}
	}
	return &ManualPaymentStrategy{methods: methods}
}

func (s *ManualPaymentStrategy) SupportedMethods() []models.PaymentMethod {
	return s.methods
}

func (s *ManualPaymentStrategy) Process(ctx context.Context, tx *models.PaymentTransaction, pc PaymentContext) PaymentResult {
	return PaymentResult{
		Success:              true,
		Status:               models.PaymentStatusPending,
		RequiresConfirmation: true,
		Category:             CategoryOK,
	}
}

// InstallmentCollectionStrategy обслуживает сбор платежей по графику представителем.
// Работает как ручное подтверждение, но требует указать представителя.
type InstallmentCollectionStrategy struct{}

func (InstallmentCollectionStrategy) SupportedMethods() []models.PaymentMethod {
	return []models.PaymentMethod{models.PaymentMethodInstallmentCollection}
}

func (InstallmentCollectionStrategy) Process(ctx context.Context, tx *models.PaymentTransaction, pc PaymentContext) PaymentResult {
	if tx.CollectionDelegateID == nil {
		return PaymentResult{
			Err:      fmt.Errorf("%w: не указан представитель для сбора платежа", ErrValidation),
			Category: CategoryRejected,
		}
	}
	if _, ok := tx.Target().InstallmentID(); !ok {
		return PaymentResult{
			Err:      fmt.Errorf("%w: сбор представителем возможен только по платежу графика", ErrValidation),
			Category: CategoryRejected,
		}
	}
	return PaymentResult{
		Success:              true,
		Status:               models.PaymentStatusPending,
		RequiresConfirmation: true,
		Category:             CategoryOK,
	}
}

// GatewayClient проводит платеж через внешний шлюз
type GatewayClient interface {
	Pay(ctx context.Context, req gateway.PaymentRequest) (*gateway.PaymentResult, error)
}

// GatewayPaymentStrategy проводит оплату картой и кошельком через шлюз
type GatewayPaymentStrategy struct {
	client       GatewayClient
	integrations map[models.PaymentMethod]int
}

// NewGatewayPaymentStrategy создает стратегию оплаты через шлюз.
// Поддерживаются способы, для которых задан идентификатор интеграции.
func NewGatewayPaymentStrategy(client GatewayClient, cardIntegrationID, walletIntegrationID int) *GatewayPaymentStrategy {
	integrations := make(map[models.PaymentMethod]int)
	if cardIntegrationID > 0 {
		integrations[models.PaymentMethodCard] = cardIntegrationID
	}
	if walletIntegrationID > 0 {
		integrations[models.PaymentMethodWallet] = walletIntegrationID
	}
	return &GatewayPaymentStrategy{client: client, integrations: integrations}
}

func (s *GatewayPaymentStrategy) SupportedMethods() []models.PaymentMethod {
	methods := make([]models.PaymentMethod, 0, len(s.integrations))
	for method := range s.integrations {
		methods = append(methods, method)
	}
	sort.Slice(methods, func(i, j int) bool { return methods[i] < methods[j] })
	return methods
}

func (s *GatewayPaymentStrategy) Process(ctx context.Context, tx *models.PaymentTransaction, pc PaymentContext) PaymentResult {
	source := pc.Source
	if strings.TrimSpace(source.Identifier) == "" {
		return PaymentResult{
			Err:      fmt.Errorf("%w: не указан источник оплаты", ErrValidation),
			Category: CategoryRejected,
		}
	}
	if source.Subtype == "" {
		source.Subtype = defaultSourceSubtype(tx.Method)
	}

	result, err := s.client.Pay(ctx, gateway.PaymentRequest{
		TransactionID: tx.ID,
		Attempt:       tx.Attempt,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		IntegrationID: s.integrations[tx.Method],
		Billing:       pc.Billing,
		Source:        source,
	})
	if err != nil {
		// Отмена вызывающей стороной тоже завершает транзакцию как неуспешную
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = errors.Join(err, ctxErr)
		}
		return PaymentResult{Status: models.PaymentStatusFailed, Err: err, Category: Classify(err)}
	}

	status := models.PaymentStatusCompleted
	if result.Pending {
		status = models.PaymentStatusProcessing
	}
	return PaymentResult{
		Success:          true,
		Status:           status,
		GatewayOrderID:   result.OrderID,
		GatewayReference: result.Reference(),
		RedirectURL:      result.RedirectURL,
		RawResponse:      result.Raw,
		Category:         CategoryOK,
	}
}

func defaultSourceSubtype(method models.PaymentMethod) string {
	if method == models.PaymentMethodWallet {
		return "WALLET"
	}
	return "TOKEN"
}
