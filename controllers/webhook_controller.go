package controllers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"medcrm/gateway"
	"medcrm/models"
	"medcrm/services"
)

// WebhookController принимает callback-запросы платежного шлюза
type WebhookController struct {
	payments *services.PaymentService
	secret   string
}

// NewWebhookController создает новый экземпляр WebhookController
func NewWebhookController(payments *services.PaymentService, secret string) *WebhookController {
	return &WebhookController{payments: payments, secret: secret}
}

// RegisterRoutes регистрирует маршруты контроллера
func (c *WebhookController) RegisterRoutes(router gin.IRouter) {
	router.POST("/gateway/callback", c.HandleCallback)
}

// HandleCallback проверяет подпись и применяет итог платежа.
// Ответ 5xx заставляет шлюз повторить доставку, поэтому отказы по бизнес-правилам
// подтверждаются кодом 200.
func (c *WebhookController) HandleCallback(ctx *gin.Context) {
	body, err := ctx.GetRawData()
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if !gateway.VerifySignature(body, ctx.GetHeader(gateway.SignatureHeader), c.secret) {
		slog.Warn("Callback с неверной подписью", "client_ip", ctx.ClientIP())
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		return
	}

	cb, err := gateway.ParseCallback(body)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	txn, err := c.payments.HandleGatewayCallback(ctx.Request.Context(), cb)
	switch {
	case err == nil:
		ctx.JSON(http.StatusOK, gin.H{"transaction_id": txn.ID, "status": txn.Status})
	case errors.Is(err, services.ErrNotFound):
		ctx.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrValidation):
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrConflict):
		// Платеж графика погашен другой транзакцией: итог записан как FAILED
		resp := gin.H{"error": err.Error()}
		if txn != nil {
			resp["transaction_id"] = txn.ID
			resp["status"] = txn.Status
		}
		ctx.JSON(http.StatusOK, resp)
	case errors.Is(err, models.ErrTransactionFinalized), errors.Is(err, models.ErrInvalidTransition):
		// Итог противоречит уже завершенной транзакции: повтор доставки не поможет
		slog.Warn("Callback отклонен", "order_id", cb.OrderID, "transaction", cb.TransactionID, "error", err)
		ctx.JSON(http.StatusOK, gin.H{"error": err.Error()})
	default:
		_ = ctx.Error(err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
