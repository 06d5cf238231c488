package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/stockflow_backend/config"
	"github.com/mmdatafocus/stockflow_backend/middlewares"
	"github.com/mmdatafocus/stockflow_backend/models"
	"github.com/mmdatafocus/stockflow_backend/utils"
	"github.com/mmdatafocus/stockflow_backend/workflow"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func getRedisClient(redisAddress string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
}

func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := c.ClientIP()

	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": "rate limit exceeded, try again later",
		})
		return
	}

	c.Next()
}

// respondError translates the sentinel errors of the domain layer into
// HTTP statuses. Everything else is a 500 with the message passed through.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, utils.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, utils.ErrInsufficientBalance):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, utils.ErrInconsistentUnification):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func idParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func getRealTimeBalanceHandler(c *gin.Context) {
	balance, err := models.GetRealTimeBalance(c.Request.Context(), c.Param("code"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product_code": c.Param("code"), "balance": balance})
}

func getProjectionHandler(c *gin.Context) {
	horizonDays := workflow.DefaultHorizonDays
	if v := c.Query("horizon"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid horizon"})
			return
		}
		horizonDays = n
	}
	days, err := workflow.ProjectBalance(c.Request.Context(), c.Param("code"), horizonDays)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product_code": c.Param("code"), "days": days})
}

func getRuptureStatusHandler(c *gin.Context) {
	status, err := workflow.GetRuptureStatus(c.Request.Context(), c.Param("code"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func getAvailabilityDateHandler(c *gin.Context) {
	neededQty, err := utils.ParseDecimal(c.Query("qty"))
	if err != nil || neededQty.LessThanOrEqual(decimal.Zero) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "qty must be a positive decimal"})
		return
	}
	date, err := workflow.AvailabilityDate(c.Request.Context(), c.Param("code"), neededQty)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product_code": c.Param("code"), "available_from": date})
}

func getAvailableBalanceHandler(c *gin.Context) {
	orderNo := c.Query("order_no")
	productCode := c.Query("product_code")
	if orderNo == "" || productCode == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order_no and product_code are required"})
		return
	}
	available, err := workflow.GetAvailableBalance(c.Request.Context(), orderNo, productCode)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_no": orderNo, "product_code": productCode, "available": available})
}

type validateQtyRequest struct {
	OrderNo      string          `json:"order_no" binding:"required"`
	ProductCode  string          `json:"product_code" binding:"required"`
	RequestedQty decimal.Decimal `json:"requested_qty" binding:"required"`
}

func validateRequestedQtyHandler(c *gin.Context) {
	var req validateQtyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := workflow.ValidateRequestedQty(c.Request.Context(), req.OrderNo, req.ProductCode, req.RequestedQty)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

func getReconcileHistoryHandler(c *gin.Context) {
	orderNo := c.Query("order_no")
	productCode := c.Query("product_code")
	if orderNo == "" || productCode == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order_no and product_code are required"})
		return
	}
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	rows, err := models.GetReconcileHistory(config.GetDB().WithContext(c.Request.Context()), orderNo, productCode, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func createStockMovementHandler(c *gin.Context) {
	var input models.NewStockMovement
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	movement, err := models.CreateStockMovement(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, movement)
}

func updateStockMovementHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var input models.NewStockMovement
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	movement, err := models.UpdateStockMovement(c.Request.Context(), id, &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, movement)
}

func deleteStockMovementHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	movement, err := models.DeleteStockMovement(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, movement)
}

func getStockMovementHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	movement, err := models.GetStockMovement(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, movement)
}

func createProvisionalAllocationHandler(c *gin.Context) {
	var input models.NewProvisionalAllocation
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	allocation, err := models.CreateProvisionalAllocation(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, allocation)
}

func updateProvisionalAllocationHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var input models.NewProvisionalAllocation
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	allocation, err := models.UpdateProvisionalAllocation(c.Request.Context(), id, &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, allocation)
}

func deleteProvisionalAllocationHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	allocation, err := models.DeleteProvisionalAllocation(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, allocation)
}

func promoteProvisionalAllocationHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	confirmed, err := models.PromoteProvisionalAllocation(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, confirmed)
}

func getProvisionalAllocationHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	allocation, err := models.GetProvisionalAllocation(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, allocation)
}

func listProvisionalAllocationsHandler(c *gin.Context) {
	orderNo := c.Query("order_no")
	productCode := c.Query("product_code")
	if orderNo == "" || productCode == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order_no and product_code are required"})
		return
	}
	var status *models.AllocationStatus
	if v := c.Query("status"); v != "" {
		parsed, err := models.ParseAllocationStatus(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		status = &parsed
	}
	allocations, err := models.GetProvisionalAllocations(c.Request.Context(), orderNo, productCode, status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, allocations)
}

func createConfirmedAllocationHandler(c *gin.Context) {
	var input models.NewConfirmedAllocation
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	allocation, err := models.CreateConfirmedAllocation(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, allocation)
}

func updateConfirmedAllocationHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var input models.NewConfirmedAllocation
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	allocation, err := models.UpdateConfirmedAllocation(c.Request.Context(), id, &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, allocation)
}

func getConfirmedAllocationHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	allocation, err := models.GetConfirmedAllocation(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, allocation)
}

func createScheduledProductionHandler(c *gin.Context) {
	var input models.NewScheduledProduction
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	production, err := models.CreateScheduledProduction(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, production)
}

func updateScheduledProductionHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var input models.NewScheduledProduction
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	production, err := models.UpdateScheduledProduction(c.Request.Context(), id, &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, production)
}

func deleteScheduledProductionHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	production, err := models.DeleteScheduledProduction(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, production)
}

func createProductCodeLinkHandler(c *gin.Context) {
	var input models.NewProductCodeLink
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	link, err := models.CreateProductCodeLink(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, link)
}

func deactivateProductCodeLinkHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	link, err := models.DeactivateProductCodeLink(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, link)
}

func reimportBacklogHandler(c *gin.Context) {
	var lines []models.BacklogImportLine
	if err := c.ShouldBindJSON(&lines); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := workflow.ReimportBacklog(c.Request.Context(), lines); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"imported": len(lines)})
}

func rebuildProductHandler(c *gin.Context) {
	if err := models.RebuildProductAggregates(c.Request.Context(), c.Param("code")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product_code": c.Param("code"), "rebuilt": true})
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

// customErrorLogger logs request errors accumulated by handlers.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// registerEnumValidations teaches the binding layer the closed enum
// values so malformed payloads fail at bind time with a field-level
// message instead of deep inside a transaction.
func registerEnumValidations() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	v.RegisterValidation("movementtype", func(fl validator.FieldLevel) bool {
		_, err := models.ParseMovementType(fl.Field().String())
		return err == nil
	})
	v.RegisterValidation("orderstatus", func(fl validator.FieldLevel) bool {
		_, err := models.ParseOrderStatus(fl.Field().String())
		return err == nil
	})
}

func registerRoutes(r *gin.Engine) {
	api := r.Group("/api")

	api.GET("/balances/:code", getRealTimeBalanceHandler)
	api.GET("/projections/:code", getProjectionHandler)
	api.GET("/projections/:code/rupture", getRuptureStatusHandler)
	api.GET("/projections/:code/availability", getAvailabilityDateHandler)
	api.POST("/products/:code/rebuild", rebuildProductHandler)

	api.GET("/reconcile/available", getAvailableBalanceHandler)
	api.POST("/reconcile/validate", validateRequestedQtyHandler)
	api.GET("/reconcile/history", getReconcileHistoryHandler)

	api.POST("/stock-movements", createStockMovementHandler)
	api.GET("/stock-movements/:id", getStockMovementHandler)
	api.PUT("/stock-movements/:id", updateStockMovementHandler)
	api.DELETE("/stock-movements/:id", deleteStockMovementHandler)

	api.POST("/provisional-allocations", createProvisionalAllocationHandler)
	api.GET("/provisional-allocations", listProvisionalAllocationsHandler)
	api.GET("/provisional-allocations/:id", getProvisionalAllocationHandler)
	api.PUT("/provisional-allocations/:id", updateProvisionalAllocationHandler)
	api.DELETE("/provisional-allocations/:id", deleteProvisionalAllocationHandler)
	api.POST("/provisional-allocations/:id/promote", promoteProvisionalAllocationHandler)

	api.POST("/confirmed-allocations", createConfirmedAllocationHandler)
	api.GET("/confirmed-allocations/:id", getConfirmedAllocationHandler)
	api.PUT("/confirmed-allocations/:id", updateConfirmedAllocationHandler)

	api.POST("/scheduled-productions", createScheduledProductionHandler)
	api.PUT("/scheduled-productions/:id", updateScheduledProductionHandler)
	api.DELETE("/scheduled-productions/:id", deleteScheduledProductionHandler)

	api.POST("/product-code-links", createProductCodeLinkHandler)
	api.POST("/product-code-links/:id/deactivate", deactivateProductCodeLinkHandler)

	api.POST("/backlog/reimport", reimportBacklogHandler)
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so the platform considers the revision
	// healthy. Until DB/Redis are ready, app endpoints return 503.
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.AuthMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())
	registerEnumValidations()
	registerRoutes(r)
	r.NoRoute(customNotFoundHandler)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow disabling it on
	// startup and running it as a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}
