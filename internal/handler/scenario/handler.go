package scenario

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-tutor/backend/internal/model/scenario"
	"github.com/zhouzirui/z-tutor/backend/pkg/utils"
)

// Handler 场景服务的HTTP处理器
type Handler struct {
	scenarios scenario.Store
}

// New 创建场景处理器
func New(scenarios scenario.Store) *Handler {
	return &Handler{
		scenarios: scenarios,
	}
}

// RegisterRoutes 注册场景相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/scenarios", h.handleListScenarios)
	r.Get("/scenarios/{scenarioID}", h.handleGetScenario)
}

func (h *Handler) handleListScenarios(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.scenarios.List())
}

func (h *Handler) handleGetScenario(w http.ResponseWriter, r *http.Request) {
	item, ok := h.scenarios.FindByID(chi.URLParam(r, "scenarioID"))
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "scenario not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, item)
}
