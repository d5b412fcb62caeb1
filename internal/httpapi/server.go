// Package httpapi exposes the accrual ledger over an authenticated JSON
// API. Each request resolves the caller's running session and issues
// commands against it; the handlers never touch ledger state directly.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/accrual/internal/pricefeed"
	"github.com/MarkoPoloResearchLab/accrual/internal/session"
	"github.com/MarkoPoloResearchLab/accrual/pkg/accrual"
)

// SessionHub resolves the running session for a user. *session.Manager
// satisfies it; tests substitute a stub.
type SessionHub interface {
	Session(ctx context.Context, userID accrual.UserID) (*session.Session, error)
}

// Deps aggregates the collaborators the HTTP surface needs.
type Deps struct {
	Hub    SessionHub
	Prices pricefeed.Source
	Logger *zap.Logger
}

// Run boots the HTTP server and blocks until the context is cancelled.
func Run(ctx context.Context, cfg Config, deps Deps) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("httpapi config: %w", err)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	router := NewRouter(cfg, deps)
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		deps.Logger.Info("httpapi listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			deps.Logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter assembles the gin engine. Exposed so tests can drive the
// handlers through httptest without binding a socket.
func NewRouter(cfg Config, deps Deps) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handler := &httpHandler{cfg: cfg, deps: deps}

	api := router.Group("/api")
	api.Use(bearerAuth([]byte(cfg.SigningKey), cfg.TokenIssuer))

	api.GET("/ledger", handler.handleLedger)
	api.POST("/stake", handler.handleStake)
	api.POST("/claim", handler.handleClaim)
	api.POST("/suspend", handler.handleSuspend)
	api.POST("/resume", handler.handleResume)

	return router
}

type httpHandler struct {
	cfg  Config
	deps Deps
}

// resolveSession maps the authenticated subject onto a running session.
func (handler *httpHandler) resolveSession(ctx *gin.Context) *session.Session {
	userID, err := accrual.NewUserID(authenticatedUserID(ctx))
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid subject"))
		return nil
	}
	userSession, err := handler.deps.Hub.Session(ctx.Request.Context(), userID)
	if err != nil {
		handler.deps.Logger.Error("session resolve failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("session_error", "session unavailable"))
		return nil
	}
	return userSession
}

func (handler *httpHandler) handleLedger(ctx *gin.Context) {
	userSession := handler.resolveSession(ctx)
	if userSession == nil {
		return
	}
	view, err := userSession.Current(ctx.Request.Context())
	if err != nil {
		handler.respondSessionError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ledger": handler.ledgerPayload(ctx.Request.Context(), view)})
}

func (handler *httpHandler) handleStake(ctx *gin.Context) {
	userSession := handler.resolveSession(ctx)
	if userSession == nil {
		return
	}
	var request stakeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	principal, err := accrual.ParsePrincipal(request.Principal)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_principal", "principal must be a non-negative decimal"))
		return
	}
	view, err := userSession.SetPrincipal(ctx.Request.Context(), principal)
	if err != nil {
		handler.respondSessionError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ledger": handler.ledgerPayload(ctx.Request.Context(), view)})
}

func (handler *httpHandler) handleClaim(ctx *gin.Context) {
	userSession := handler.resolveSession(ctx)
	if userSession == nil {
		return
	}
	claimed, err := userSession.Claim(ctx.Request.Context())
	if err != nil {
		handler.respondSessionError(ctx, err)
		return
	}
	view, err := userSession.Current(ctx.Request.Context())
	if err != nil {
		handler.respondSessionError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"claimed": claimed.String(),
		"ledger":  handler.ledgerPayload(ctx.Request.Context(), view),
	})
}

func (handler *httpHandler) handleSuspend(ctx *gin.Context) {
	userSession := handler.resolveSession(ctx)
	if userSession == nil {
		return
	}
	if err := userSession.Suspend(ctx.Request.Context()); err != nil {
		handler.respondSessionError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "suspended"})
}

func (handler *httpHandler) handleResume(ctx *gin.Context) {
	userSession := handler.resolveSession(ctx)
	if userSession == nil {
		return
	}
	view, err := userSession.Resume(ctx.Request.Context())
	if err != nil {
		handler.respondSessionError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ledger": handler.ledgerPayload(ctx.Request.Context(), view)})
}

func (handler *httpHandler) respondSessionError(ctx *gin.Context, err error) {
	if errors.Is(err, accrual.ErrSessionClosed) {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("session_closed", "session is shutting down"))
		return
	}
	handler.deps.Logger.Error("session command failed", zap.Error(err))
	ctx.JSON(http.StatusInternalServerError, errorResponse("session_error", "command failed"))
}

// ledgerPayload renders a view, attaching a fiat valuation when the price
// feed answers in time. A stale or missing price never fails the request.
func (handler *httpHandler) ledgerPayload(ctx context.Context, view session.View) ledgerResponse {
	response := ledgerResponse{
		Principal:        view.Snapshot.Principal.String(),
		EarningRate:      view.Snapshot.Rate.String(),
		CurrentEarnings:  view.Snapshot.Accrued.String(),
		TotalEarned:      view.TotalEarned.String(),
		Active:           view.Snapshot.Active,
		LastUpdateMillis: view.Snapshot.LastUpdate.UTC().UnixMilli(),
	}
	if handler.deps.Prices == nil {
		return response
	}
	priceCtx, cancel := context.WithTimeout(ctx, handler.cfg.PriceTimeout)
	defer cancel()
	price, err := handler.deps.Prices.Price(priceCtx)
	if err != nil {
		handler.deps.Logger.Warn("price feed unavailable", zap.Error(err))
		return response
	}
	fiat := view.Snapshot.Accrued.Mul(price).String()
	response.FiatValue = &fiat
	return response
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type stakeRequest struct {
	Principal string `json:"principal"`
}

type ledgerResponse struct {
	Principal        string  `json:"principal"`
	EarningRate      string  `json:"earning_rate"`
	CurrentEarnings  string  `json:"current_earnings"`
	TotalEarned      string  `json:"total_earned"`
	Active           bool    `json:"active"`
	LastUpdateMillis int64   `json:"last_update"`
	FiatValue        *string `json:"fiat_value,omitempty"`
}
