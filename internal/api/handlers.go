package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/resilstack/resilience-engine/internal/circuit"
	"github.com/resilstack/resilience-engine/internal/degradation"
	"github.com/resilstack/resilience-engine/internal/deploy"
	"github.com/resilstack/resilience-engine/internal/escalation"
	"github.com/resilstack/resilience-engine/internal/healing"
	"github.com/resilstack/resilience-engine/internal/recovery"
	"github.com/resilstack/resilience-engine/internal/services"
	"github.com/resilstack/resilience-engine/internal/utils"
)

// Handlers binds the resilience components to the REST control surface.
type Handlers struct {
	logger      *slog.Logger
	overview    *services.OverviewService
	recovery    *recovery.Orchestrator
	circuits    *circuit.Registry
	degradation *degradation.Engine
	escalations *escalation.Service
	healing     *healing.Engine
	deployments *deploy.Monitor
}

// NewHandlers constructs the handler set.
func NewHandlers(logger *slog.Logger, overview *services.OverviewService, orchestrator *recovery.Orchestrator, circuits *circuit.Registry, degrader *degradation.Engine, escalations *escalation.Service, healer *healing.Engine, deployments *deploy.Monitor) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		logger:      logger,
		overview:    overview,
		recovery:    orchestrator,
		circuits:    circuits,
		degradation: degrader,
		escalations: escalations,
		healing:     healer,
		deployments: deployments,
	}
}

// Register mounts all routes on the engine.
func (h *Handlers) Register(engine *gin.Engine) {
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := engine.Group("/api/v1/resilience")
	v1.GET("/status", h.status)

	v1.GET("/recovery/status", h.recoveryStatus)
	v1.GET("/recovery/stats", h.recoveryStats)
	v1.GET("/recovery/active", h.recoveryActive)
	v1.GET("/recovery/history", h.recoveryHistory)
	v1.POST("/recovery/enable", h.recoveryEnable)
	v1.POST("/recovery/disable", h.recoveryDisable)
	v1.POST("/recovery/test", h.recoveryTest)

	v1.GET("/circuits", h.circuitList)
	v1.POST("/circuits/reset-all", h.circuitResetAll)
	v1.POST("/circuits/:id/reset", h.circuitReset)
	v1.POST("/circuits/:id/force-open", h.circuitForceOpen)

	v1.GET("/degradation/status", h.degradationStatus)
	v1.POST("/degradation/rules/:id/activate", h.degradationActivate)
	v1.POST("/degradation/rules/:id/revert", h.degradationRevert)
	v1.POST("/degradation/isolate", h.degradationIsolate)
	v1.POST("/degradation/enable", h.degradationEnable)
	v1.POST("/degradation/disable", h.degradationDisable)

	v1.GET("/escalations/active", h.escalationActive)
	v1.GET("/escalations/history", h.escalationHistory)
	v1.POST("/escalations/:id/acknowledge", h.escalationAcknowledge)
	v1.POST("/escalations/:id/resolve", h.escalationResolve)

	v1.GET("/healing/status", h.healingStatus)
	v1.GET("/healing/history", h.healingHistory)
	v1.POST("/healing/force", h.healingForce)
	v1.POST("/healing/enable", h.healingEnable)
	v1.POST("/healing/disable", h.healingDisable)

	v1.GET("/deployments", h.deploymentList)
	v1.GET("/deployments/:id", h.deploymentGet)
	v1.POST("/deployments/track", h.deploymentTrack)
	v1.POST("/deployments/:id/rollback", h.deploymentRollback)
	v1.POST("/deployments/auto-rollback/enable", h.autoRollbackEnable)
	v1.POST("/deployments/auto-rollback/disable", h.autoRollbackDisable)
}

func succeed(c *gin.Context, format string, args ...any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "message": fmt.Sprintf(format, args...)})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": message})
}

// fail maps sentinel not-found errors to 404 and everything else to 500.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if utils.IsNotFound(err) {
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{"success": false, "message": err.Error()})
}

func limitParam(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}

func (h *Handlers) status(c *gin.Context) {
	c.JSON(http.StatusOK, h.overview.Overview(c.Request.Context()))
}

func (h *Handlers) recoveryStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.recovery.Status())
}

func (h *Handlers) recoveryStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.recovery.Stats())
}

func (h *Handlers) recoveryActive(c *gin.Context) {
	c.JSON(http.StatusOK, h.recovery.ActiveAttempts())
}

func (h *Handlers) recoveryHistory(c *gin.Context) {
	c.JSON(http.StatusOK, h.recovery.History(limitParam(c)))
}

func (h *Handlers) recoveryEnable(c *gin.Context) {
	h.recovery.Enable()
	succeed(c, "automated recovery enabled")
}

func (h *Handlers) recoveryDisable(c *gin.Context) {
	h.recovery.Disable()
	succeed(c, "automated recovery disabled")
}

func (h *Handlers) recoveryTest(c *gin.Context) {
	var req struct {
		AlertID  string `json:"alertId"`
		ActionID string `json:"actionId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.AlertID == "" {
		badRequest(c, "alertId is required")
		return
	}
	attempt, err := h.recovery.TestAction(c.Request.Context(), req.AlertID, req.ActionID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, attempt)
}

func (h *Handlers) circuitList(c *gin.Context) {
	c.JSON(http.StatusOK, h.circuits.Stats())
}

func (h *Handlers) circuitReset(c *gin.Context) {
	id := c.Param("id")
	if err := h.circuits.Reset(id); err != nil {
		fail(c, err)
		return
	}
	succeed(c, "circuit %s reset", id)
}

func (h *Handlers) circuitResetAll(c *gin.Context) {
	count := h.circuits.ResetAll()
	succeed(c, "%d circuits reset", count)
}

func (h *Handlers) circuitForceOpen(c *gin.Context) {
	id := c.Param("id")
	if err := h.circuits.ForceOpen(id); err != nil {
		fail(c, err)
		return
	}
	succeed(c, "circuit %s forced open", id)
}

func (h *Handlers) degradationStatus(c *gin.Context) {
	status := h.degradation.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":   status,
		"features": h.degradation.FeatureStates(),
	})
}

func (h *Handlers) degradationActivate(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	id := c.Param("id")
	if err := h.degradation.Activate(c.Request.Context(), id, req.Reason); err != nil {
		fail(c, err)
		return
	}
	succeed(c, "degradation rule %s activated", id)
}

func (h *Handlers) degradationRevert(c *gin.Context) {
	id := c.Param("id")
	if err := h.degradation.Revert(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	succeed(c, "degradation rule %s reverted", id)
}

func (h *Handlers) degradationIsolate(c *gin.Context) {
	var req struct {
		Component string `json:"component"`
		Reason    string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Component == "" {
		badRequest(c, "component is required")
		return
	}
	message, err := h.degradation.IsolateComponent(c.Request.Context(), req.Component, req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	succeed(c, "%s", message)
}

func (h *Handlers) degradationEnable(c *gin.Context) {
	h.degradation.Enable()
	succeed(c, "graceful degradation enabled")
}

func (h *Handlers) degradationDisable(c *gin.Context) {
	h.degradation.Disable(c.Request.Context())
	succeed(c, "graceful degradation disabled, active degradations reverted")
}

func (h *Handlers) escalationActive(c *gin.Context) {
	c.JSON(http.StatusOK, h.escalations.Active())
}

func (h *Handlers) escalationHistory(c *gin.Context) {
	c.JSON(http.StatusOK, h.escalations.History(limitParam(c)))
}

func (h *Handlers) escalationAcknowledge(c *gin.Context) {
	var req struct {
		AcknowledgedBy string `json:"acknowledgedBy"`
		Notes          string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.AcknowledgedBy == "" {
		badRequest(c, "acknowledgedBy is required")
		return
	}
	id := c.Param("id")
	if err := h.escalations.Acknowledge(id, req.AcknowledgedBy, req.Notes); err != nil {
		fail(c, err)
		return
	}
	succeed(c, "escalation %s acknowledged", id)
}

func (h *Handlers) escalationResolve(c *gin.Context) {
	var req struct {
		ResolvedBy string `json:"resolvedBy"`
		Resolution string `json:"resolution"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ResolvedBy == "" {
		badRequest(c, "resolvedBy is required")
		return
	}
	id := c.Param("id")
	if err := h.escalations.Resolve(id, req.ResolvedBy, req.Resolution); err != nil {
		fail(c, err)
		return
	}
	succeed(c, "escalation %s resolved", id)
}

func (h *Handlers) healingStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.healing.Status())
}

func (h *Handlers) healingHistory(c *gin.Context) {
	c.JSON(http.StatusOK, h.healing.History(limitParam(c)))
}

func (h *Handlers) healingForce(c *gin.Context) {
	var req struct {
		IssueType string `json:"issueType"`
		Component string `json:"component"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.IssueType == "" || req.Component == "" {
		badRequest(c, "issueType and component are required")
		return
	}
	attempt, err := h.healing.ForceHealing(c.Request.Context(), req.IssueType, req.Component)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, attempt)
}

func (h *Handlers) healingEnable(c *gin.Context) {
	h.healing.Enable()
	succeed(c, "self-healing enabled")
}

func (h *Handlers) healingDisable(c *gin.Context) {
	h.healing.Disable()
	succeed(c, "self-healing disabled")
}

func (h *Handlers) deploymentList(c *gin.Context) {
	c.JSON(http.StatusOK, h.deployments.List(limitParam(c)))
}

func (h *Handlers) deploymentGet(c *gin.Context) {
	deployment, err := h.deployments.Deployment(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, deployment)
}

func (h *Handlers) deploymentTrack(c *gin.Context) {
	var req deploy.TrackRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Version == "" {
		badRequest(c, "version is required")
		return
	}
	deployment, err := h.deployments.Track(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, deployment)
}

func (h *Handlers) deploymentRollback(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	message, err := h.deployments.Rollback(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	succeed(c, "%s", message)
}

func (h *Handlers) autoRollbackEnable(c *gin.Context) {
	h.deployments.EnableAutoRollback()
	succeed(c, "automatic rollback enabled")
}

func (h *Handlers) autoRollbackDisable(c *gin.Context) {
	h.deployments.DisableAutoRollback()
	succeed(c, "automatic rollback disabled")
}
