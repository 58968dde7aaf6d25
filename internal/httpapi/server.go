package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/entitlements/internal/observability"
	"github.com/MarkoPoloResearchLab/entitlements/pkg/entitlement"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey      = "auth_claims"
	defaultRequestTimeout = 5 * time.Second
	shutdownTimeout       = 5 * time.Second
)

// Ledger is the part of the entitlement service the HTTP API serves.
type Ledger interface {
	Redeem(ctx context.Context, userID entitlement.UserID, rawCode string) (entitlement.RedemptionResult, error)
	Stats(ctx context.Context, userID entitlement.UserID) (entitlement.Account, error)
	History(ctx context.Context, userID entitlement.UserID, window entitlement.Window) ([]entitlement.UsageEntry, error)
}

// SummaryReader serves aggregate-by-action reports, usually through the cache.
type SummaryReader interface {
	AggregateByAction(ctx context.Context, userID entitlement.UserID, window entitlement.Window) (map[entitlement.ActionType]entitlement.Credits, error)
}

// Dependencies wires the router.
type Dependencies struct {
	Ledger         Ledger
	Summaries      SummaryReader
	Validator      *sessionvalidator.Validator
	Metrics        *observability.Metrics
	Logger         *zap.Logger
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// NewRouter builds the gin engine with session auth on /api.
func NewRouter(deps Dependencies) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = defaultRequestTimeout
	}
	if deps.Summaries == nil {
		if reader, ok := deps.Ledger.(SummaryReader); ok {
			deps.Summaries = reader
		}
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if deps.Metrics != nil {
		router.Use(deps.Metrics.GinMiddleware())
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     deps.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	handler := &httpHandler{
		ledger:    deps.Ledger,
		summaries: deps.Summaries,
		logger:    deps.Logger,
		timeout:   deps.RequestTimeout,
	}
	api := router.Group("/api")
	api.Use(deps.Validator.GinMiddleware(claimsContextKey))
	api.POST("/redemptions", handler.handleRedeem)
	api.GET("/entitlement", handler.handleEntitlement)
	api.GET("/usage", handler.handleUsage)
	api.GET("/usage/summary", handler.handleUsageSummary)

	return router
}

// Run serves handler on addr until ctx ends, then shuts down gracefully.
func Run(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("http server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type httpHandler struct {
	ledger    Ledger
	summaries SummaryReader
	logger    *zap.Logger
	timeout   time.Duration
}

type redeemRequest struct {
	Code string `json:"code"`
}

type redeemResponse struct {
	Success           bool  `json:"success"`
	IsFirstRedemption bool  `json:"isFirstRedemption"`
	Tier              int   `json:"tier"`
	MonthlyCredits    int64 `json:"monthlyCredits"`
	CurrentCredits    int64 `json:"currentCredits"`
	StackedCodes      int64 `json:"stackedCodes"`
}

type entitlementResponse struct {
	Tier           int        `json:"tier"`
	MonthlyCredits int64      `json:"monthlyCredits"`
	CurrentCredits int64      `json:"currentCredits"`
	StackedCodes   int64      `json:"stackedCodes"`
	HasRedeemed    bool       `json:"hasRedeemed"`
	ResetAnchor    *time.Time `json:"resetAnchor"`
	NextResetAt    *time.Time `json:"nextResetAt"`
}

type usageEntryPayload struct {
	EntryID   string          `json:"entryId"`
	Action    string          `json:"action"`
	Credits   int64           `json:"credits"`
	Metadata  json.RawMessage `json:"metadata"`
	CreatedAt time.Time       `json:"createdAt"`
}

type actionTotalPayload struct {
	Action  string `json:"action"`
	Credits int64  `json:"credits"`
}

func (handler *httpHandler) handleRedeem(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	var request redeemRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, messageInvalidPayload))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()

	result, err := handler.ledger.Redeem(requestCtx, userID, request.Code)
	if err != nil {
		status, code, message := redemptionFailure(err)
		if status == http.StatusInternalServerError {
			handler.logger.Error("redemption failed", zap.String("user_id", userID.String()), zap.Error(err))
		}
		ctx.JSON(status, errorResponse(code, message))
		return
	}
	ctx.JSON(http.StatusOK, redeemResponse{
		Success:           true,
		IsFirstRedemption: result.IsFirstRedemption,
		Tier:              result.Tier.Int(),
		MonthlyCredits:    result.MonthlyCredits.Int64(),
		CurrentCredits:    result.CurrentCredits.Int64(),
		StackedCodes:      result.StackedCodes,
	})
}

func (handler *httpHandler) handleEntitlement(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()

	account, err := handler.ledger.Stats(requestCtx, userID)
	if err != nil {
		handler.respondInternal(ctx, "entitlement lookup failed", userID, err)
		return
	}
	ctx.JSON(http.StatusOK, entitlementResponse{
		Tier:           account.Tier.Int(),
		MonthlyCredits: account.MonthlyAllotment.Int64(),
		CurrentCredits: account.Balance.Int64(),
		StackedCodes:   account.StackedCodes,
		HasRedeemed:    account.HasRedeemed(),
		ResetAnchor:    account.ResetAnchor,
		NextResetAt:    account.NextResetAt(),
	})
}

func (handler *httpHandler) handleUsage(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	window, ok := parseWindow(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()

	entries, err := handler.ledger.History(requestCtx, userID, window)
	if err != nil {
		handler.respondInternal(ctx, "usage history failed", userID, err)
		return
	}
	payload := make([]usageEntryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, usageEntryPayload{
			EntryID:   entry.ID.String(),
			Action:    entry.Action.String(),
			Credits:   entry.Credits.Int64(),
			Metadata:  json.RawMessage(entry.Metadata.String()),
			CreatedAt: entry.CreatedAt.UTC(),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (handler *httpHandler) handleUsageSummary(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	window, ok := parseWindow(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()

	totals, err := handler.summaries.AggregateByAction(requestCtx, userID, window)
	if err != nil {
		handler.respondInternal(ctx, "usage summary failed", userID, err)
		return
	}
	var total int64
	payload := make([]actionTotalPayload, 0, len(totals))
	for _, row := range entitlement.SortedTotals(totals) {
		total += row.Credits.Int64()
		payload = append(payload, actionTotalPayload{Action: row.Action.String(), Credits: row.Credits.Int64()})
	}
	ctx.JSON(http.StatusOK, gin.H{"totals": payload, "total": total})
}

func (handler *httpHandler) sessionUser(ctx *gin.Context) (entitlement.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, messageUnauthorized))
		return entitlement.UserID{}, false
	}
	userID, err := entitlement.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, messageUnauthorized))
		return entitlement.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) respondInternal(ctx *gin.Context, message string, userID entitlement.UserID, err error) {
	if entitlement.IsRetryable(err) {
		ctx.JSON(http.StatusConflict, errorResponse(errorCodeConflict, messageConflict))
		return
	}
	handler.logger.Error(message, zap.String("user_id", userID.String()), zap.Error(err))
	ctx.JSON(http.StatusInternalServerError, errorResponse(errorCodeInternal, messageInternal))
}

// parseWindow reads from/to (RFC 3339) and limit query parameters.
func parseWindow(ctx *gin.Context) (entitlement.Window, bool) {
	from, fromErr := parseTimeParam(ctx.Query("from"))
	to, toErr := parseTimeParam(ctx.Query("to"))
	limit := 0
	var limitErr error
	if raw := strings.TrimSpace(ctx.Query("limit")); raw != "" {
		limit, limitErr = strconv.Atoi(raw)
	}
	if fromErr != nil || toErr != nil || limitErr != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, messageInvalidPayload))
		return entitlement.Window{}, false
	}
	window, err := entitlement.NewWindow(from, to, limit)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, messageInvalidPayload))
		return entitlement.Window{}, false
	}
	return window, true
}

func parseTimeParam(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, trimmed)
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}
