package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"replenishment-service/internal/models"
	"replenishment-service/internal/service"
	"replenishment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	headerUserID   = "X-User-ID"
	headerUserRole = "X-User-Role"
)

// OrderManager is the order API served over HTTP
type OrderManager interface {
	CreateOrder(ctx context.Context, userID int64, req *service.CreateOrderRequest) (*models.Order, error)
	GetOrder(ctx context.Context, orderID int64) (*models.Order, error)
	ListOrders(ctx context.Context) ([]models.Order, error)
	ListRows(ctx context.Context, status string) ([]models.Row, error)
	Accept(ctx context.Context, orderID int64, item *models.OrderItem) ([]*models.Order, error)
	Complete(ctx context.Context, orderID int64) (*models.Order, error)
	Edit(ctx context.Context, orderID int64, req *service.EditOrderRequest) (*models.Order, error)
	Delete(ctx context.Context, orderID int64, opts service.DeleteOptions) error
	TogglePriority(ctx context.Context, orderID int64) (*models.Order, error)
	BatchAccept(ctx context.Context, targets []service.BatchTarget) []service.BatchOutcome
	BatchDelete(ctx context.Context, targets []service.BatchTarget, suspension *service.SuspensionDuration) ([]service.BatchOutcome, error)
}

// Reconciler starts reconciliation passes
type Reconciler interface {
	Reconcile(ctx context.Context, trigger service.Trigger) (*service.PassResult, error)
}

// SuspensionManager reads and writes suspensions
type SuspensionManager interface {
	Suspend(ctx context.Context, targets []service.SuspendTarget, duration service.SuspensionDuration) ([]models.SuspensionEntry, error)
	Active(ctx context.Context) ([]models.SuspensionEntry, string, error)
}

// LevelManager reads and writes desired levels
type LevelManager interface {
	Resolve(ctx context.Context, userID int64) (models.Sizes, error)
	Save(ctx context.Context, userID int64, sizes models.Sizes) error
}

// Pinger checks a backing dependency
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	orders      OrderManager
	reconciler  Reconciler
	suspensions SuspensionManager
	levels      LevelManager
	db          Pinger
}

// NewHandler creates a new HTTP handler
func NewHandler(orders OrderManager, reconciler Reconciler, suspensions SuspensionManager, levels LevelManager, db Pinger) *Handler {
	return &Handler{
		orders:      orders,
		reconciler:  reconciler,
		suspensions: suspensions,
		levels:      levels,
		db:          db,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.Use(identity())
	{
		v1.POST("/reconcile", h.reconcile)

		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/rows", h.listRows)
		v1.POST("/orders", h.createOrder)
		v1.POST("/orders/batch/accept", h.batchAccept)
		v1.POST("/orders/batch/delete", h.batchDelete)
		v1.GET("/orders/:id", h.getOrder)
		v1.PUT("/orders/:id", h.editOrder)
		v1.DELETE("/orders/:id", h.deleteOrder)
		v1.POST("/orders/:id/accept", h.acceptOrder)
		v1.POST("/orders/:id/complete", h.completeOrder)
		v1.POST("/orders/:id/priority", h.togglePriority)

		v1.GET("/suspensions", h.listSuspensions)
		v1.POST("/suspensions", h.createSuspensions)

		v1.GET("/settings/desired-levels", h.getDesiredLevels)
		v1.PUT("/settings/desired-levels", h.saveDesiredLevels)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready once the database answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unavailable",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// reconcile runs a reconciliation pass for the caller
func (h *Handler) reconcile(c *gin.Context) {
	result, err := h.reconciler.Reconcile(c.Request.Context(), service.Trigger{
		UserID: c.GetInt64("user_id"),
		Role:   c.GetString("role"),
		Reason: "manual",
	})
	if err != nil {
		respondError(c, "Reconciliation failed", err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// listOrders returns every order in board order
func (h *Handler) listOrders(c *gin.Context) {
	orders, err := h.orders.ListOrders(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to list orders", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// listRows returns board rows, optionally filtered by status
func (h *Handler) listRows(c *gin.Context) {
	status := c.Query("status")
	switch status {
	case "", models.OrderStatusPending, models.OrderStatusInProcess, models.OrderStatusCompleted:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status"})
		return
	}

	rows, err := h.orders.ListRows(c.Request.Context(), status)
	if err != nil {
		respondError(c, "Failed to list rows", err)
		return
	}

	out := make([]gin.H, 0, len(rows))
	for _, r := range rows {
		out = append(out, gin.H{"key": r.RowKey(), "order": r.Order, "item": r.Item})
	}
	c.JSON(http.StatusOK, gin.H{"rows": out})
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.orders.CreateOrder(c.Request.Context(), userID, &req)
	if err != nil {
		respondError(c, "Failed to create order", err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, "Failed to get order", err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// editOrder updates a pending order
func (h *Handler) editOrder(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	var req service.EditOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.orders.Edit(c.Request.Context(), orderID, &req)
	if err != nil {
		respondError(c, "Failed to edit order", err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// deleteOrder deletes an order or one of its items
func (h *Handler) deleteOrder(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	var opts service.DeleteOptions
	if !bindOptionalJSON(c, &opts) {
		return
	}

	if err := h.orders.Delete(c.Request.Context(), orderID, opts); err != nil {
		respondError(c, "Failed to delete order", err)
		return
	}

	c.Status(http.StatusNoContent)
}

type itemRequest struct {
	Item *models.OrderItem `json:"item,omitempty"`
}

// acceptOrder moves an order, or one item of it, to in_process
func (h *Handler) acceptOrder(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	var req itemRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	orders, err := h.orders.Accept(c.Request.Context(), orderID, req.Item)
	if err != nil {
		respondError(c, "Failed to accept order", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// completeOrder moves an order to completed
func (h *Handler) completeOrder(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	order, err := h.orders.Complete(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, "Failed to complete order", err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// togglePriority flips the priority flag
func (h *Handler) togglePriority(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	order, err := h.orders.TogglePriority(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, "Failed to toggle priority", err)
		return
	}

	c.JSON(http.StatusOK, order)
}

type batchRequest struct {
	Targets    []service.BatchTarget       `json:"targets" binding:"required,min=1,dive"`
	Suspension *service.SuspensionDuration `json:"suspension,omitempty"`
}

// batchAccept accepts several orders or items
func (h *Handler) batchAccept(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	outcomes := h.orders.BatchAccept(c.Request.Context(), req.Targets)
	c.JSON(batchStatus(outcomes), gin.H{"results": outcomes})
}

// batchDelete deletes several orders or items, optionally suspending them
func (h *Handler) batchDelete(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	outcomes, err := h.orders.BatchDelete(c.Request.Context(), req.Targets, req.Suspension)
	if err != nil {
		respondError(c, "Failed to delete orders", err)
		return
	}

	c.JSON(batchStatus(outcomes), gin.H{"results": outcomes})
}

// listSuspensions returns the active suspensions
func (h *Handler) listSuspensions(c *gin.Context) {
	entries, source, err := h.suspensions.Active(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to list suspensions", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"suspensions": entries, "source": source})
}

type suspendRequest struct {
	Targets  []service.SuspendTarget    `json:"targets" binding:"required,min=1,dive"`
	Duration service.SuspensionDuration `json:"duration" binding:"required"`
}

// createSuspensions suspends regeneration for reference/color pairs
func (h *Handler) createSuspensions(c *gin.Context) {
	var req suspendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	entries, err := h.suspensions.Suspend(c.Request.Context(), req.Targets, req.Duration)
	if errors.Is(err, service.ErrInvalidDuration) {
		respondError(c, "Invalid suspension", err)
		return
	}
	if err != nil {
		// The fallback cache already holds the entries
		c.JSON(http.StatusAccepted, gin.H{
			"suspensions": entries,
			"warning":     err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"suspensions": entries})
}

// getDesiredLevels returns the desired levels in effect for the caller
func (h *Handler) getDesiredLevels(c *gin.Context) {
	sizes, err := h.levels.Resolve(c.Request.Context(), c.GetInt64("user_id"))
	if err != nil {
		respondError(c, "Failed to read desired levels", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"sizes": sizes})
}

// saveDesiredLevels stores the desired levels for the caller
func (h *Handler) saveDesiredLevels(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req struct {
		Sizes models.Sizes `json:"sizes" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if err := h.levels.Save(c.Request.Context(), userID, req.Sizes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Failed to save desired levels",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"sizes": req.Sizes})
}

// identity reads the caller from the request headers
func identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := c.GetHeader(headerUserID); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid " + headerUserID})
				return
			}
			c.Set("user_id", id)
		}
		c.Set("role", c.GetHeader(headerUserRole))
		c.Next()
	}
}

func requireUser(c *gin.Context) (int64, bool) {
	id, ok := c.Get("user_id")
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing " + headerUserID})
		return 0, false
	}
	return id.(int64), true
}

func orderIDParam(c *gin.Context) (int64, bool) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid order ID",
		})
		return 0, false
	}
	return orderID, true
}

func bindOptionalJSON(c *gin.Context, dst interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return false
	}
	return true
}

func batchStatus(outcomes []service.BatchOutcome) int {
	for _, o := range outcomes {
		if o.Err() != nil {
			return http.StatusMultiStatus
		}
	}
	return http.StatusOK
}

// respondError maps service errors to status codes
func respondError(c *gin.Context, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrOrderNotFound), errors.Is(err, service.ErrItemNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidTransition), errors.Is(err, service.ErrPassInProgress):
		status = http.StatusConflict
	case errors.Is(err, service.ErrEmptyItems), errors.Is(err, service.ErrInvalidItem), errors.Is(err, service.ErrInvalidDuration):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrForbidden):
		status = http.StatusForbidden
	case service.IsRetryable(err):
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"error":   message,
		"details": err.Error(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
