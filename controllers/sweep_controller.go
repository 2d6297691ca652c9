package controllers

import (
	"net/http"

	"github.com/gorilla/mux"

	"medcrm/middleware"
	"medcrm/services"
)

// SweepController запускает обход платежей вручную
type SweepController struct {
	sweeps *services.ReminderSweepService
}

// NewSweepController создает новый экземпляр SweepController
func NewSweepController(sweeps *services.ReminderSweepService) *SweepController {
	return &SweepController{sweeps: sweeps}
}

// RegisterRoutes регистрирует маршруты контроллера
func (c *SweepController) RegisterRoutes(router *mux.Router) {
	router.Handle("/sweeps/reminders",
		middleware.RequireRole(middleware.RoleAdmin)(http.HandlerFunc(c.RunReminders)),
	).Methods(http.MethodPost)
}

// RunReminders выполняет один обход. Если обход уже идет, отвечает 409.
func (c *SweepController) RunReminders(w http.ResponseWriter, r *http.Request) {
	report, err := c.sweeps.RunOnce(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
