package controllers

import (
	"net/http"

	"github.com/gorilla/mux"

	"medcrm/middleware"
	"medcrm/models"
	"medcrm/services"
)

// paymentErrorResponse ошибка платежа вместе с сохраненной транзакцией
type paymentErrorResponse struct {
	errorResponse
	Transaction TransactionDTO `json:"transaction"`
}

// PaymentController обрабатывает запросы оплаты
type PaymentController struct {
	payments *services.PaymentService
}

// NewPaymentController создает новый экземпляр PaymentController
func NewPaymentController(payments *services.PaymentService) *PaymentController {
	return &PaymentController{payments: payments}
}

// RegisterRoutes регистрирует маршруты контроллера
func (c *PaymentController) RegisterRoutes(router *mux.Router) {
	approvers := middleware.RequireRole(middleware.RoleAccountant, middleware.RoleAdmin)

	router.HandleFunc("/installments/{id}/pay", c.PayInstallment).Methods(http.MethodPost)
	router.HandleFunc("/payments", c.Charge).Methods(http.MethodPost)
	router.HandleFunc("/payments/{id}", c.GetTransaction).Methods(http.MethodGet)
	router.Handle("/payments/{id}/confirm", approvers(http.HandlerFunc(c.Confirm))).Methods(http.MethodPost)
	router.Handle("/payments/{id}/cancel", approvers(http.HandlerFunc(c.Cancel))).Methods(http.MethodPost)
}

// PayInstallment проводит оплату платежа графика
func (c *PaymentController) PayInstallment(w http.ResponseWriter, r *http.Request) {
	userID, _, err := middleware.GetUserFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "Invalid installment ID", http.StatusBadRequest)
		return
	}

	var req services.PayInstallmentRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.Actor = userID

	txn, err := c.payments.PayInstallment(r.Context(), id, req)
	writePaymentResult(w, txn, err)
}

// Charge проводит разовое списание
func (c *PaymentController) Charge(w http.ResponseWriter, r *http.Request) {
	userID, _, err := middleware.GetUserFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req services.ChargeRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.Actor = userID

	txn, err := c.payments.Charge(r.Context(), req)
	writePaymentResult(w, txn, err)
}

// GetTransaction возвращает транзакцию
func (c *PaymentController) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "Invalid transaction ID", http.StatusBadRequest)
		return
	}

	txn, err := c.payments.GetTransaction(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(txn))
}

// Confirm подтверждает получение наличных или перевода
func (c *PaymentController) Confirm(w http.ResponseWriter, r *http.Request) {
	userID, _, err := middleware.GetUserFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "Invalid transaction ID", http.StatusBadRequest)
		return
	}

	txn, err := c.payments.Confirm(r.Context(), id, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(txn))
}

// Cancel отменяет ожидающую транзакцию
func (c *PaymentController) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, _, err := middleware.GetUserFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "Invalid transaction ID", http.StatusBadRequest)
		return
	}

	txn, err := c.payments.Cancel(r.Context(), id, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(txn))
}

// writePaymentResult отвечает на попытку оплаты. Неуспешная попытка, для которой
// транзакция уже сохранена, возвращается вместе с транзакцией.
func writePaymentResult(w http.ResponseWriter, txn *models.PaymentTransaction, err error) {
	if err != nil {
		if txn == nil {
			writeError(w, err)
			return
		}
		status := statusFor(err)
		writeJSON(w, status, paymentErrorResponse{
			errorResponse: newErrorResponse(err, status),
			Transaction:   toTransactionDTO(txn),
		})
		return
	}

	status := http.StatusCreated
	if txn.Status == models.PaymentStatusProcessing {
		// Итог придет callback-запросом от шлюза
		status = http.StatusAccepted
	}
	writeJSON(w, status, toTransactionDTO(txn))
}
