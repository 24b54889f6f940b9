package http

import (
	"github.com/gin-gonic/gin"
	"github.com/layer-3/edupass/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Services are the handlers' dependencies
type Services struct {
	Auth        *service.AuthService
	Coordinator *service.Coordinator
	Pipeline    *service.Pipeline
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	Log      *zap.Logger
}

// SetupRouter sets up the Gin router
func SetupRouter(s Services) *gin.Engine {
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(log))

	// Create handlers
	auth := NewAuthHandlers(s.Auth)
	txs := NewTransactionHandlers(s.Coordinator)
	ledger := NewLedgerHandlers(s.Pipeline)

	gatherer := s.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// Auth routes
	authGroup := router.Group("/auth")
	{
		authGroup.POST("/challenge", auth.Challenge)
		authGroup.POST("/verify", auth.Verify)
	}

	// Protected API routes
	api := router.Group("/api")
	api.Use(AuthMiddleware(s.Auth))
	{
		api.GET("/me", auth.Me)

		api.POST("/transactions", txs.Create)
		api.GET("/transactions/:id", txs.Get)
		api.POST("/transactions/:id/signatures", txs.Sign)
		api.POST("/transactions/:id/reconcile", txs.Reconcile)

		api.GET("/ledger/balances/:account", ledger.Balances)
		api.GET("/ledger/allocations/:beneficiary", ledger.Allocations)
		api.GET("/ledger/total-issued", ledger.TotalIssued)
	}

	return router
}
