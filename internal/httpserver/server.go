package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/RepScopeLabs/creditengine/pkg/credits"
	"github.com/RepScopeLabs/creditengine/pkg/plans"
)

// Server exposes the ledger and entitlement surface over HTTP.
type Server struct {
	logger  *zap.Logger
	credits *credits.Service
	catalog plans.Catalog
	gate    *plans.Gate
	cfg     Config
	nowFn   func() time.Time
}

// NewServer wires the HTTP facade over an in-process credit service.
func NewServer(logger *zap.Logger, creditService *credits.Service, catalog plans.Catalog, cfg Config) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if creditService == nil {
		return nil, fmt.Errorf("credit service is required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("plan catalog is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	gate, err := plans.NewGate(catalog)
	if err != nil {
		return nil, err
	}
	return &Server{
		logger:  logger,
		credits: creditService,
		catalog: catalog,
		gate:    gate,
		cfg:     cfg,
		nowFn:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Router assembles the gin engine with middleware and routes.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/api/v1/plans", server.handlePlans)

	api := router.Group("/api/v1")
	api.Use(AuthMiddleware([]byte(server.cfg.AuthSigningKey), server.cfg.AuthIssuer))

	api.POST("/bootstrap", server.handleBootstrap)
	api.GET("/wallet", server.handleWallet)
	api.GET("/balance", server.handleBalance)
	api.POST("/recharges", server.handleRecharge)
	api.POST("/consumptions", server.handleConsume)
	api.GET("/transactions", server.handleHistory)
	api.GET("/entitlements/:feature", server.handleEntitlement)
	api.POST("/plan", server.handleChangePlan)

	return router
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("creditengine api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type rechargeRequest struct {
	Amount         int64          `json:"amount"`
	Description    string         `json:"description"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

type consumeRequest struct {
	Amount         int64          `json:"amount"`
	Channel        string         `json:"channel"`
	Description    string         `json:"description"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

type changePlanRequest struct {
	PlanID string `json:"plan_id"`
}

type transactionPayload struct {
	TransactionID  string          `json:"transaction_id"`
	Seq            int64           `json:"seq"`
	Kind           string          `json:"kind"`
	Amount         int64           `json:"amount"`
	Channel        string          `json:"channel,omitempty"`
	Description    string          `json:"description,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

type balancePayload struct {
	Recharged int64 `json:"recharged"`
	Consumed  int64 `json:"consumed"`
	Current   int64 `json:"current"`
}

type walletResponse struct {
	PlanID       string               `json:"plan_id"`
	Balance      balancePayload       `json:"balance"`
	Transactions []transactionPayload `json:"transactions"`
}

type planPayload struct {
	PlanID          string                    `json:"plan_id"`
	Name            string                    `json:"name"`
	PriceCents      int64                     `json:"price_cents"`
	CreditsPerCycle int64                     `json:"credits_per_cycle"`
	Features        map[string]featurePayload `json:"features"`
}

type featurePayload struct {
	Limit     int64  `json:"limit"`
	Unlimited bool   `json:"unlimited"`
	Resets    string `json:"resets"`
}

func (server *Server) handleBootstrap(ctx *gin.Context) {
	accountID, ok := accountIDFrom(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing account"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()

	err := server.credits.Bootstrap(requestCtx, accountID, server.cfg.WelcomeCredits)
	if err != nil && !errors.Is(err, credits.ErrDuplicateTransaction) {
		server.respondError(ctx, "bootstrap", err)
		return
	}
	server.respondWithWallet(ctx, accountID)
}

func (server *Server) handleWallet(ctx *gin.Context) {
	accountID, ok := accountIDFrom(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing account"))
		return
	}
	server.respondWithWallet(ctx, accountID)
}

func (server *Server) handleBalance(ctx *gin.Context) {
	accountID, ok := accountIDFrom(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing account"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()

	balance, err := server.credits.Balance(requestCtx, accountID)
	if err != nil {
		server.respondError(ctx, "balance", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balancePayload(balance)})
}

func (server *Server) handleRecharge(ctx *gin.Context) {
	accountID, ok := accountIDFrom(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing account"))
		return
	}
	var request rechargeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := credits.NewAmount(request.Amount)
	if err != nil {
		server.respondError(ctx, "recharge", err)
		return
	}
	idempotencyKey, err := credits.NewIdempotencyKey(defaultKey(request.IdempotencyKey, "recharge"))
	if err != nil {
		server.respondError(ctx, "recharge", err)
		return
	}
	metadata, err := credits.NewMetadataJSON(marshalMetadata(request.Metadata))
	if err != nil {
		server.respondError(ctx, "recharge", err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()

	recorded, err := server.credits.Recharge(requestCtx, accountID, amount, request.Description, idempotencyKey, metadata)
	if err != nil {
		server.respondError(ctx, "recharge", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": mapTransactionPayload(recorded)})
}

func (server *Server) handleConsume(ctx *gin.Context) {
	accountID, ok := accountIDFrom(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing account"))
		return
	}
	var request consumeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := credits.NewAmount(request.Amount)
	if err != nil {
		server.respondError(ctx, "consume", err)
		return
	}
	var channel *credits.Channel
	if request.Channel != "" {
		parsed, channelErr := credits.NewChannel(request.Channel)
		if channelErr != nil {
			server.respondError(ctx, "consume", channelErr)
			return
		}
		channel = &parsed
	}
	idempotencyKey, err := credits.NewIdempotencyKey(defaultKey(request.IdempotencyKey, "consume"))
	if err != nil {
		server.respondError(ctx, "consume", err)
		return
	}
	metadata, err := credits.NewMetadataJSON(marshalMetadata(request.Metadata))
	if err != nil {
		server.respondError(ctx, "consume", err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()

	receipt, err := server.credits.Consume(requestCtx, accountID, amount, channel, request.Description, idempotencyKey, metadata)
	if err != nil {
		server.respondError(ctx, "consume", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"transaction":   mapTransactionPayload(receipt.Transaction),
		"balance_after": receipt.BalanceAfter,
		"low_balance":   receipt.LowBalance,
	})
}

func (server *Server) handleHistory(ctx *gin.Context) {
	accountID, ok := accountIDFrom(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing account"))
		return
	}
	filter, err := parseHistoryFilter(ctx)
	if err != nil {
		server.respondError(ctx, "history", err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()

	listed, err := server.credits.History(requestCtx, accountID, filter)
	if err != nil {
		server.respondError(ctx, "history", err)
		return
	}
	payload := make([]transactionPayload, 0, len(listed))
	for _, recorded := range listed {
		payload = append(payload, mapTransactionPayload(recorded))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payload})
}

func (server *Server) handleEntitlement(ctx *gin.Context) {
	accountID, ok := accountIDFrom(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing account"))
		return
	}
	featureID, err := plans.NewFeatureID(ctx.Param("feature"))
	if err != nil {
		server.respondError(ctx, "entitlement", err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()

	planID := server.resolvePlanID(requestCtx, accountID)
	limit, limitErr := server.catalog.FeatureLimit(requestCtx, planID, featureID)

	used := int64(0)
	if limitErr == nil && !limit.Disabled() && !limit.Unlimited {
		channel, channelErr := credits.NewChannel(string(featureID))
		if channelErr == nil {
			fromUnix, toUnix := plans.UsageWindow(limit, server.nowFn())
			counted, countErr := server.credits.UsageInWindow(requestCtx, accountID, channel, fromUnix, toUnix)
			if countErr != nil {
				server.respondError(ctx, "entitlement", countErr)
				return
			}
			used = counted
		}
	}

	allowed := server.gate.CanUse(requestCtx, planID, featureID, used)
	response := gin.H{
		"feature":     string(featureID),
		"plan_id":     string(planID),
		"has_feature": server.gate.HasFeature(requestCtx, planID, featureID),
		"allowed":     allowed,
		"unlimited":   limitErr == nil && limit.Unlimited,
		"limit":       limit.Limit,
		"used":        used,
	}
	if !allowed {
		response["upgrade_message"] = server.gate.UpgradeMessage(requestCtx, planID, featureID)
	}
	ctx.JSON(http.StatusOK, response)
}

func (server *Server) handlePlans(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()

	listed, err := server.catalog.ListPlans(requestCtx)
	if err != nil {
		server.respondError(ctx, "plans", err)
		return
	}
	payload := make([]planPayload, 0, len(listed))
	for _, plan := range listed {
		payload = append(payload, mapPlanPayload(plan))
	}
	ctx.JSON(http.StatusOK, gin.H{"plans": payload})
}

func (server *Server) handleChangePlan(ctx *gin.Context) {
	accountID, ok := accountIDFrom(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing account"))
		return
	}
	var request changePlanRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	planID, err := plans.NewPlanID(request.PlanID)
	if err != nil {
		server.respondError(ctx, "change_plan", err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()

	if _, err := server.catalog.GetPlan(requestCtx, planID); err != nil {
		server.respondError(ctx, "change_plan", err)
		return
	}
	if err := server.credits.ChangePlan(requestCtx, accountID, string(planID)); err != nil {
		server.respondError(ctx, "change_plan", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"plan_id": string(planID)})
}

func (server *Server) respondWithWallet(ctx *gin.Context, accountID credits.AccountID) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()

	balance, err := server.credits.Balance(requestCtx, accountID)
	if err != nil {
		server.respondError(ctx, "wallet", err)
		return
	}
	listed, err := server.credits.History(requestCtx, accountID, credits.HistoryFilter{
		Limit:      walletHistoryLimit,
		Descending: true,
	})
	if err != nil {
		server.respondError(ctx, "wallet", err)
		return
	}
	transactions := make([]transactionPayload, 0, len(listed))
	for _, recorded := range listed {
		transactions = append(transactions, mapTransactionPayload(recorded))
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": walletResponse{
		PlanID:       string(server.resolvePlanID(requestCtx, accountID)),
		Balance:      balancePayload(balance),
		Transactions: transactions,
	}})
}

// resolvePlanID falls back to the configured default plan for accounts that
// have never been bootstrapped, so read paths stay available.
func (server *Server) resolvePlanID(ctx context.Context, accountID credits.AccountID) plans.PlanID {
	stored, err := server.credits.PlanID(ctx, accountID)
	if err != nil {
		return plans.PlanID(server.cfg.DefaultPlanID)
	}
	return plans.PlanID(stored)
}

func (server *Server) respondError(ctx *gin.Context, operation string, err error) {
	status, code, message := mapDomainError(err)
	if status >= http.StatusInternalServerError {
		server.logger.Error(operation+" failed", zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, message))
}

func mapDomainError(err error) (int, string, string) {
	switch {
	case errors.Is(err, credits.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount", "amount must be a positive integer"
	case errors.Is(err, credits.ErrInvalidAccountID):
		return http.StatusBadRequest, "invalid_account", "account id must not be empty"
	case errors.Is(err, credits.ErrInvalidChannel):
		return http.StatusBadRequest, "invalid_channel", "channel must not be empty"
	case errors.Is(err, credits.ErrInvalidIdempotencyKey):
		return http.StatusBadRequest, "invalid_idempotency_key", "idempotency key must not be empty"
	case errors.Is(err, credits.ErrInvalidMetadataJSON):
		return http.StatusBadRequest, "invalid_metadata", "metadata must be a JSON object"
	case errors.Is(err, credits.ErrInvalidHistoryFilter):
		return http.StatusBadRequest, "invalid_filter", "history filter is invalid"
	case errors.Is(err, plans.ErrInvalidFeatureID):
		return http.StatusBadRequest, "invalid_feature", "feature id must not be empty"
	case errors.Is(err, plans.ErrInvalidPlanID):
		return http.StatusBadRequest, "invalid_plan", "plan id must not be empty"
	case errors.Is(err, credits.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "insufficient_credits", "Not enough credits. Recharge your account to continue."
	case errors.Is(err, credits.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found", "account does not exist"
	case errors.Is(err, plans.ErrPlanNotFound):
		return http.StatusNotFound, "plan_not_found", "plan does not exist"
	case errors.Is(err, credits.ErrDuplicateTransaction):
		return http.StatusConflict, "duplicate_transaction", "a transaction with this idempotency key already exists"
	case errors.Is(err, credits.ErrConsistencyViolation):
		return http.StatusInternalServerError, "ledger_inconsistent", "temporary ledger problem, try again later"
	}
	return http.StatusInternalServerError, "internal_error", "something went wrong"
}

func parseHistoryFilter(ctx *gin.Context) (credits.HistoryFilter, error) {
	filter := credits.HistoryFilter{}
	if raw := ctx.Query("kind"); raw != "" {
		kind, err := credits.ParseTransactionKind(raw)
		if err != nil {
			return credits.HistoryFilter{}, err
		}
		filter.Kind = &kind
	}
	if raw := ctx.Query("channel"); raw != "" {
		channel, err := credits.NewChannel(raw)
		if err != nil {
			return credits.HistoryFilter{}, err
		}
		filter.Channel = &channel
	}
	var err error
	if filter.FromUnixUTC, err = parseQueryInt(ctx, "from"); err != nil {
		return credits.HistoryFilter{}, err
	}
	if filter.ToUnixUTC, err = parseQueryInt(ctx, "to"); err != nil {
		return credits.HistoryFilter{}, err
	}
	limit, err := parseQueryInt(ctx, "limit")
	if err != nil {
		return credits.HistoryFilter{}, err
	}
	filter.Limit = int(limit)
	filter.Descending = ctx.Query("order") == "desc"
	return filter, nil
}

func parseQueryInt(ctx *gin.Context, name string) (int64, error) {
	raw := ctx.Query(name)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", credits.ErrInvalidHistoryFilter, name)
	}
	return value, nil
}

func defaultKey(requested string, operation string) string {
	if requested != "" {
		return requested
	}
	return operation + ":" + uuid.NewString()
}

func marshalMetadata(metadata map[string]any) string {
	if metadata == nil {
		return "{}"
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}

func mapTransactionPayload(recorded credits.Transaction) transactionPayload {
	return transactionPayload{
		TransactionID:  recorded.TransactionID,
		Seq:            recorded.Seq,
		Kind:           recorded.Kind.String(),
		Amount:         recorded.Amount,
		Channel:        recorded.Channel,
		Description:    recorded.Description,
		IdempotencyKey: recorded.IdempotencyKey,
		Metadata:       json.RawMessage(recorded.MetadataJSON),
		CreatedUnixUTC: recorded.CreatedUnixUTC,
	}
}

func mapPlanPayload(plan plans.Plan) planPayload {
	features := make(map[string]featurePayload, len(plan.Features))
	for featureID, limit := range plan.Features {
		features[string(featureID)] = featurePayload{
			Limit:     limit.Limit,
			Unlimited: limit.Unlimited,
			Resets:    string(limit.Resets),
		}
	}
	return planPayload{
		PlanID:          string(plan.ID),
		Name:            plan.Name,
		PriceCents:      plan.PriceCents,
		CreditsPerCycle: plan.CreditsPerCycle,
		Features:        features,
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": message}}
}
