package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/HarborMintLab/opwallet/internal/checkout"
	"github.com/HarborMintLab/opwallet/pkg/wallet"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	spendStatusSuccess      = "success"
	spendStatusInsufficient = "insufficient_funds"
)

// Run boots the HTTP surface over the supplied wallet service.
func Run(ctx context.Context, cfg Config, service *wallet.Service) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("zap init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := &httpHandler{
		logger:  logger,
		service: service,
		cfg:     cfg,
	}

	router := setupRouter(cfg, handler, sessionValidator)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("wallet api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// The provider posts settlement notifications here; authentication is the
	// payload signature, not a user session.
	router.POST("/webhooks/checkout", handler.handleCheckoutWebhook)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware("auth_claims"))

	api.GET("/session", handler.handleSession)
	api.POST("/bootstrap", handler.handleBootstrap)
	api.GET("/wallet", handler.handleWallet)
	api.GET("/transactions", handler.handleTransactions)
	api.POST("/purchases", handler.handlePurchase)
	api.POST("/exchanges", handler.handleExchange)
	api.POST("/rewards", handler.handleReward)
	api.POST("/spend", handler.handleSpend)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service *wallet.Service
	cfg     Config
}

func (handler *httpHandler) handleSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":    claims.GetUserID(),
		"email":      claims.GetUserEmail(),
		"display":    claims.GetUserDisplayName(),
		"avatar_url": claims.GetUserAvatarURL(),
		"roles":      claims.GetUserRoles(),
		"expires":    claims.GetExpiresAt().Unix(),
	})
}

func (handler *httpHandler) handleBootstrap(ctx *gin.Context) {
	userID, ok := handler.authenticatedUserID(ctx)
	if !ok {
		return
	}
	amount, err := wallet.NewOPAmountFromInt(WelcomeBonusOP())
	if err != nil {
		handler.logger.Error("welcome bonus amount invalid", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("wallet_error", "bootstrap failed"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if err := handler.service.GrantWelcomeBonus(requestCtx, userID, amount); err != nil {
		handler.logger.Error("bootstrap grant failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("wallet_error", "bootstrap failed"))
		return
	}
	handler.respondWithWallet(ctx, userID)
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	userID, ok := handler.authenticatedUserID(ctx)
	if !ok {
		return
	}
	handler.respondWithWallet(ctx, userID)
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	userID, ok := handler.authenticatedUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	records, err := handler.service.Transactions(requestCtx, userID, transactionListLimit)
	if err != nil {
		handler.logger.Error("transaction list failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("wallet_error", "transactions unavailable"))
		return
	}
	payload := make([]transactionPayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, mapTransactionPayload(record))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payload})
}

func (handler *httpHandler) handlePurchase(ctx *gin.Context) {
	userID, ok := handler.authenticatedUserID(ctx)
	if !ok {
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := wallet.NewOPAmount(request.OPAmount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "op_amount must be greater than zero"))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	intent, err := handler.service.InitiatePurchase(requestCtx, userID, amount)
	if err != nil {
		if errors.Is(err, wallet.ErrInvalidAmount) {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "op_amount must be a whole number of OP"))
			return
		}
		handler.logger.Error("purchase initiation failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("checkout_error", "purchase initiation failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"session_id":     intent.Session.SessionID.String(),
		"redirect_url":   intent.Session.RedirectURL,
		"transaction_id": intent.TransactionID,
		"quote": gin.H{
			"op_amount": intent.Quote.OPAmount.String(),
			"base_fiat": intent.Quote.BaseFiat.String(),
			"fee":       intent.Quote.Fee.String(),
			"total":     intent.Quote.TotalFiat.String(),
			"currency":  intent.Quote.Currency.String(),
		},
	})
}

func (handler *httpHandler) handleExchange(ctx *gin.Context) {
	userID, ok := handler.authenticatedUserID(ctx)
	if !ok {
		return
	}
	var request exchangeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := wallet.NewOPAmount(request.OPAmount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "op_amount must be greater than zero"))
		return
	}
	currency, err := wallet.NewCurrency(request.Currency)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_currency", "currency code is malformed"))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	receipt, err := handler.service.InitiateExchange(requestCtx, userID, amount, currency)
	if err != nil {
		switch {
		case errors.Is(err, wallet.ErrInsufficientBalance):
			handler.respondTransactionStatus(ctx, spendStatusInsufficient, userID)
		case errors.Is(err, wallet.ErrUnsupportedCurrency):
			ctx.JSON(http.StatusBadRequest, errorResponse("unsupported_currency", "no exchange rate for currency"))
		case errors.Is(err, wallet.ErrReconciliationRequired):
			handler.logger.Error("exchange left inconsistent state", zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, errorResponse("wallet_error", "exchange failed"))
		default:
			handler.logger.Error("exchange failed", zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, errorResponse("wallet_error", "exchange failed"))
		}
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"transaction": mapTransactionPayload(receipt.Transaction),
		"quote": gin.H{
			"op_amount":      receipt.Quote.OPAmount.String(),
			"fee":            receipt.Quote.Fee.String(),
			"total_deducted": receipt.Quote.TotalDeducted.String(),
			"payout":         receipt.Quote.Payout.String(),
			"currency":       receipt.Quote.Currency.String(),
			"rate_version":   receipt.Quote.RateVersion,
		},
	})
}

func (handler *httpHandler) handleReward(ctx *gin.Context) {
	userID, ok := handler.authenticatedUserID(ctx)
	if !ok {
		return
	}
	var request rewardRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := wallet.NewOPAmount(request.OPAmount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "op_amount must be greater than zero"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if err := handler.service.Reward(requestCtx, userID, amount, request.Description); err != nil {
		handler.logger.Error("reward failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("wallet_error", "reward failed"))
		return
	}
	handler.respondWithWallet(ctx, userID)
}

func (handler *httpHandler) handleSpend(ctx *gin.Context) {
	userID, ok := handler.authenticatedUserID(ctx)
	if !ok {
		return
	}
	var request spendRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := wallet.NewOPAmount(request.OPAmount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "op_amount must be greater than zero"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if err := handler.service.Spend(requestCtx, userID, amount, request.Description); err != nil {
		if errors.Is(err, wallet.ErrInsufficientBalance) {
			handler.respondTransactionStatus(ctx, spendStatusInsufficient, userID)
			return
		}
		handler.logger.Error("spend failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("wallet_error", "spend failed"))
		return
	}
	handler.respondTransactionStatus(ctx, spendStatusSuccess, userID)
}

// handleCheckoutWebhook settles a purchase after the provider confirms
// payment. Deliveries are at-least-once; repeated notifications for the same
// session come back OK without crediting twice.
func (handler *httpHandler) handleCheckoutWebhook(ctx *gin.Context) {
	if err := ctx.Request.ParseForm(); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected form body"))
		return
	}
	payload, err := checkout.ParseWebhookForm(ctx.Request.PostForm)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	if !payload.Verify(handler.cfg.WebhookSigningSecret) {
		handler.logger.Warn("webhook signature rejected", zap.String("session_id", payload.SessionID))
		ctx.JSON(http.StatusForbidden, errorResponse("invalid_signature", "signature verification failed"))
		return
	}
	if payload.Status != checkout.StatusPaid {
		// Failed settlements leave the pending record untouched.
		ctx.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	sessionID, err := wallet.NewProviderSessionID(payload.SessionID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "session id is malformed"))
		return
	}
	userID, err := wallet.NewUserID(payload.Metadata["user_id"])
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "user id metadata is missing"))
		return
	}
	rawAmount, err := decimal.NewFromString(payload.Metadata["op_amount"])
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "op amount metadata is malformed"))
		return
	}
	amount, err := wallet.NewOPAmount(rawAmount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "op amount metadata is malformed"))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if err := handler.service.ConfirmPurchase(requestCtx, sessionID, userID, amount); err != nil {
		if errors.Is(err, wallet.ErrReconciliationRequired) {
			handler.logger.Error("purchase confirmation needs reconciliation",
				zap.String("session_id", payload.SessionID),
				zap.Error(err))
		} else {
			handler.logger.Error("purchase confirmation failed", zap.Error(err))
		}
		ctx.JSON(http.StatusInternalServerError, errorResponse("wallet_error", "confirmation failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *httpHandler) respondTransactionStatus(ctx *gin.Context, status string, userID wallet.UserID) {
	view, err := handler.fetchWallet(ctx.Request.Context(), userID)
	if err != nil {
		handler.logger.Error("wallet fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("wallet_error", "wallet unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status": status,
		"wallet": view,
	})
}

func (handler *httpHandler) respondWithWallet(ctx *gin.Context, userID wallet.UserID) {
	view, err := handler.fetchWallet(ctx.Request.Context(), userID)
	if err != nil {
		handler.logger.Error("wallet fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("wallet_error", "wallet unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": view})
}

func (handler *httpHandler) fetchWallet(ctx context.Context, userID wallet.UserID) (*walletResponse, error) {
	requestCtx, cancel := context.WithTimeout(ctx, handler.cfg.RequestTimeout)
	defer cancel()
	view, err := handler.service.Wallet(requestCtx, userID, WalletHistoryLimit())
	if err != nil {
		return nil, err
	}

	entries := make([]entryPayload, 0, len(view.Entries))
	for _, entry := range view.Entries {
		entries = append(entries, entryPayload{
			EntryID:        entry.EntryID,
			Type:           entry.Type.String(),
			Amount:         entry.Amount.String(),
			Description:    entry.Description,
			IdempotencyKey: entry.IdempotencyKey,
			CreatedUnixUTC: entry.CreatedUnixUTC,
		})
	}

	return &walletResponse{
		Address: view.Address,
		Balance: balancePayload{Total: view.Balance.Total.String()},
		Entries: entries,
	}, nil
}

func (handler *httpHandler) authenticatedUserID(ctx *gin.Context) (wallet.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return wallet.UserID{}, false
	}
	userID, err := wallet.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session user id is malformed"))
		return wallet.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get("auth_claims")
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func mapTransactionPayload(record wallet.Transaction) transactionPayload {
	payload := transactionPayload{
		TransactionID:     record.TransactionID,
		Type:              string(record.Type),
		Amount:            record.Amount.String(),
		Currency:          record.Currency,
		Status:            string(record.Status),
		ProviderSessionID: record.ProviderSessionID,
		Description:       record.Description,
		CreatedUnixUTC:    record.CreatedUnixUTC,
		CompletedUnixUTC:  record.CompletedUnixUTC,
	}
	if record.JPYAmount != nil {
		jpyAmount := record.JPYAmount.String()
		payload.JPYAmount = &jpyAmount
	}
	return payload
}

type purchaseRequest struct {
	OPAmount decimal.Decimal `json:"op_amount"`
}

type exchangeRequest struct {
	OPAmount decimal.Decimal `json:"op_amount"`
	Currency string          `json:"currency"`
}

type rewardRequest struct {
	OPAmount    decimal.Decimal `json:"op_amount"`
	Description string          `json:"description"`
}

type spendRequest struct {
	OPAmount    decimal.Decimal `json:"op_amount"`
	Description string          `json:"description"`
}

type walletResponse struct {
	Address string         `json:"address"`
	Balance balancePayload `json:"balance"`
	Entries []entryPayload `json:"entries"`
}

type balancePayload struct {
	Total string `json:"total"`
}

type entryPayload struct {
	EntryID        string `json:"entry_id"`
	Type           string `json:"type"`
	Amount         string `json:"amount"`
	Description    string `json:"description"`
	IdempotencyKey string `json:"idempotency_key"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

type transactionPayload struct {
	TransactionID     string  `json:"transaction_id"`
	Type              string  `json:"type"`
	Amount            string  `json:"amount"`
	Currency          string  `json:"currency"`
	JPYAmount         *string `json:"jpy_amount,omitempty"`
	Status            string  `json:"status"`
	ProviderSessionID string  `json:"provider_session_id,omitempty"`
	Description       string  `json:"description"`
	CreatedUnixUTC    int64   `json:"created_unix_utc"`
	CompletedUnixUTC  int64   `json:"completed_unix_utc,omitempty"`
}
