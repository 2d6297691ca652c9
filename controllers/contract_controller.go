package controllers

import (
	"net/http"

	"github.com/gorilla/mux"

	"medcrm/middleware"
	"medcrm/services"
)

// ContractController обрабатывает запросы жизненного цикла договоров
type ContractController struct {
	contracts *services.ContractService
}

// NewContractController создает новый экземпляр ContractController
func NewContractController(contracts *services.ContractService) *ContractController {
	return &ContractController{contracts: contracts}
}

// RegisterRoutes регистрирует маршруты контроллера
func (c *ContractController) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/contracts", c.CreateContract).Methods(http.MethodPost)
	router.HandleFunc("/contracts/{id}", c.GetContract).Methods(http.MethodGet)
	router.HandleFunc("/contracts/{id}/transitions", c.Transition).Methods(http.MethodPost)
	router.HandleFunc("/contracts/{id}/negotiations", c.RecordNegotiation).Methods(http.MethodPost)
	router.Handle("/contracts/{id}/financials",
		middleware.RequireRole(middleware.RoleAccountant, middleware.RoleAdmin)(http.HandlerFunc(c.FinalizeFinancials)),
	).Methods(http.MethodPost)
}

// CreateContract создает черновик договора
func (c *ContractController) CreateContract(w http.ResponseWriter, r *http.Request) {
	// Получаем ID пользователя из контекста
	userID, _, err := middleware.GetUserFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req services.CreateContractRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.DraftedBy = userID

	contract, err := c.contracts.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toContractDTO(contract))
}

// GetContract возвращает договор с журналом переговоров и графиком
func (c *ContractController) GetContract(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "Invalid contract ID", http.StatusBadRequest)
		return
	}

	contract, err := c.contracts.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toContractDTO(contract))
}

// Transition меняет статус договора
func (c *ContractController) Transition(w http.ResponseWriter, r *http.Request) {
	userID, role, err := middleware.GetUserFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "Invalid contract ID", http.StatusBadRequest)
		return
	}

	var req services.TransitionRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.Actor = userID
	req.ActorRole = role

	contract, err := c.contracts.Advance(r.Context(), id, req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toContractDTO(contract))
}

// RecordNegotiation добавляет запись переговоров
func (c *ContractController) RecordNegotiation(w http.ResponseWriter, r *http.Request) {
	userID, role, err := middleware.GetUserFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "Invalid contract ID", http.StatusBadRequest)
		return
	}

	var entry services.NegotiationEntry
	if err := decodeBody(r, &entry); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	entry.SubmittedBy = userID
	entry.SubmitterRole = role

	record, err := c.contracts.RecordNegotiation(r.Context(), id, entry)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toNegotiationDTO(record))
}

// FinalizeFinancials фиксирует финансовые условия и создает график
func (c *ContractController) FinalizeFinancials(w http.ResponseWriter, r *http.Request) {
	userID, _, err := middleware.GetUserFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "Invalid contract ID", http.StatusBadRequest)
		return
	}

	var terms services.FinancialTerms
	if err := decodeBody(r, &terms); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	terms.ConfiguredBy = userID

	contract, err := c.contracts.FinalizeFinancials(r.Context(), id, terms)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toContractDTO(contract))
}
