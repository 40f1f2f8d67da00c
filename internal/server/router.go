package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/paysplit/paysplit/internal/billing"
	"github.com/paysplit/paysplit/internal/billsvc"
	"github.com/paysplit/paysplit/internal/money"
	"github.com/paysplit/paysplit/internal/users"
)

const usernameContextKey = "paysplit_username"

var (
	errMissingTokenManager = errors.New("token manager dependency required")
	errMissingAccounts     = errors.New("account service dependency required")
	errMissingBills        = errors.New("bill service dependency required")
	errMissingRealtime     = errors.New("realtime dispatcher dependency required")
	errInvalidAuth         = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates the bearer tokens used by the bill API.
type TokenManager interface {
	IssueToken(ctx context.Context, username string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP handler to its collaborators.
type Dependencies struct {
	TokenManager TokenManager
	Accounts     *users.Service
	Bills        *billsvc.Service
	Realtime     *Dispatcher
	Logger       *zap.Logger
}

// NewHTTPHandler assembles the full paysplit API: password auth, the bill
// REST surface, and the websocket stream.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Accounts == nil {
		return nil, errMissingAccounts
	}
	if deps.Bills == nil {
		return nil, errMissingBills
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:   deps.TokenManager,
		accounts: deps.Accounts,
		bills:    deps.Bills,
		realtime: deps.Realtime,
		logger:   logger,
	}

	router.POST("/auth/register", handler.handleRegister)
	router.POST("/auth/login", handler.handleLogin)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/api/bills", handler.handleListBills)
	protected.POST("/api/bills", handler.handleCreateBill)
	protected.POST("/api/bills/:id/accept", handler.handleAcceptSplit)
	protected.POST("/api/bills/:id/reject", handler.handleRejectSplit)
	protected.POST("/api/bills/:id/amount", handler.handleUpdateAmount)
	protected.POST("/api/bills/:id/paid", handler.handleMarkPaid)
	protected.GET("/ws/bills", handler.handleBillStream)

	return router, nil
}

type httpHandler struct {
	tokens   TokenManager
	accounts *users.Service
	bills    *billsvc.Service
	realtime *Dispatcher
	logger   *zap.Logger
}

type credentialsPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request credentialsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	username, err := h.accounts.Register(c.Request.Context(), request.Username, request.Password)
	if err != nil {
		switch {
		case errors.Is(err, users.ErrUsernameTaken):
			c.JSON(http.StatusConflict, gin.H{"error": "username_taken"})
		case errors.Is(err, users.ErrInvalidUsername), errors.Is(err, users.ErrWeakPassword):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error("registration failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "registration_failed"})
		}
		return
	}

	h.issueToken(c, username, http.StatusCreated)
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request credentialsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	username, err := h.accounts.Authenticate(c.Request.Context(), request.Username, request.Password)
	if err != nil {
		if errors.Is(err, users.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
			return
		}
		h.logger.Error("login failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login_failed"})
		return
	}

	h.issueToken(c, username, http.StatusOK)
}

func (h *httpHandler) issueToken(c *gin.Context, username string, status int) {
	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), username)
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(status, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleListBills(c *gin.Context) {
	username := c.GetString(usernameContextKey)
	bills, err := h.bills.ListBillsFor(c.Request.Context(), username)
	if err != nil {
		h.logger.Error("failed to list bills", zap.Error(err), zap.String("username", username))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	payloads := make([]billing.BillPayload, 0, len(bills))
	for _, bill := range bills {
		payloads = append(payloads, billing.EncodeBill(bill))
	}
	c.JSON(http.StatusOK, payloads)
}

type createBillPayload struct {
	Name         string      `json:"name"`
	TotalAmount  money.Cents `json:"total_amount"`
	Participants []string    `json:"participants"`
}

func (h *httpHandler) handleCreateBill(c *gin.Context) {
	username := c.GetString(usernameContextKey)

	var request createBillPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	for _, participant := range request.Participants {
		exists, err := h.accounts.Exists(c.Request.Context(), participant)
		if err != nil {
			h.logger.Error("participant lookup failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
			return
		}
		if !exists {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_participant"})
			return
		}
	}

	shares, err := money.AllocateEqually(request.TotalAmount, len(request.Participants))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	splits := make([]billsvc.NewSplit, 0, len(request.Participants))
	for i, participant := range request.Participants {
		splits = append(splits, billsvc.NewSplit{Username: participant, Amount: shares[i]})
	}

	bill, err := h.bills.CreateBill(c.Request.Context(), username, request.Name, request.TotalAmount, splits)
	if err != nil {
		h.respondBillError(c, err)
		return
	}
	c.JSON(http.StatusCreated, billing.EncodeBill(bill))
}

type amountPayload struct {
	Amount money.Cents `json:"amount"`
}

func (h *httpHandler) handleAcceptSplit(c *gin.Context) {
	username := c.GetString(usernameContextKey)
	billID, ok := h.billIDParam(c)
	if !ok {
		return
	}

	var request amountPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	bill, err := h.bills.AcceptSplit(c.Request.Context(), billID, username, request.Amount)
	if err != nil {
		h.respondBillError(c, err)
		return
	}
	c.JSON(http.StatusOK, billing.EncodeBill(bill))
}

func (h *httpHandler) handleRejectSplit(c *gin.Context) {
	username := c.GetString(usernameContextKey)
	billID, ok := h.billIDParam(c)
	if !ok {
		return
	}

	bill, err := h.bills.RejectSplit(c.Request.Context(), billID, username)
	if err != nil {
		h.respondBillError(c, err)
		return
	}
	c.JSON(http.StatusOK, billing.EncodeBill(bill))
}

func (h *httpHandler) handleUpdateAmount(c *gin.Context) {
	username := c.GetString(usernameContextKey)
	billID, ok := h.billIDParam(c)
	if !ok {
		return
	}

	var request amountPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	bill, err := h.bills.UpdateSplitAmount(c.Request.Context(), billID, username, request.Amount)
	if err != nil {
		h.respondBillError(c, err)
		return
	}
	c.JSON(http.StatusOK, billing.EncodeBill(bill))
}

func (h *httpHandler) handleMarkPaid(c *gin.Context) {
	username := c.GetString(usernameContextKey)
	billID, ok := h.billIDParam(c)
	if !ok {
		return
	}

	bill, err := h.bills.MarkSplitPaid(c.Request.Context(), billID, username)
	if err != nil {
		h.respondBillError(c, err)
		return
	}
	c.JSON(http.StatusOK, billing.EncodeBill(bill))
}

// handleBillStream upgrades to a websocket, sends the user's current bills as
// one array frame, then forwards single-bill frames as mutations land.
func (h *httpHandler) handleBillStream(c *gin.Context) {
	username := c.GetString(usernameContextKey)

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err), zap.String("username", username))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ctx := c.Request.Context()
	stream, cancel := h.realtime.Subscribe(ctx, username)
	defer cancel()

	bills, err := h.bills.ListBillsFor(ctx, username)
	if err != nil {
		h.logger.Error("failed to load initial bills", zap.Error(err), zap.String("username", username))
		conn.Close(websocket.StatusInternalError, "snapshot load failed")
		return
	}
	snapshot := make([]billing.BillPayload, 0, len(bills))
	for _, bill := range bills {
		snapshot = append(snapshot, billing.EncodeBill(bill))
	}
	if err := wsjson.Write(ctx, conn, snapshot); err != nil {
		return
	}

	readCtx := conn.CloseRead(ctx)
	for {
		select {
		case <-readCtx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case payload := <-stream:
			if err := wsjson.Write(readCtx, conn, payload); err != nil {
				return
			}
		}
	}
}

// authorizeRequest accepts a bearer header, or an access_token query
// parameter for websocket clients that cannot set headers.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	default:
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuth.Error()})
		return
	}

	username, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(usernameContextKey, username)
	c.Next()
}

func (h *httpHandler) billIDParam(c *gin.Context) (billing.BillID, bool) {
	raw := c.Param("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_bill_id"})
		return 0, false
	}
	return billing.BillID(id), true
}

func (h *httpHandler) respondBillError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, billsvc.ErrBillNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "bill_not_found"})
	case errors.Is(err, billsvc.ErrSplitNotFound):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_a_participant"})
	case errors.Is(err, billsvc.ErrAlreadyDecided):
		c.JSON(http.StatusConflict, gin.H{"error": "already_decided"})
	case errors.Is(err, billsvc.ErrAmountMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": "amount_mismatch"})
	case errors.Is(err, billsvc.ErrInvalidBillName),
		errors.Is(err, billsvc.ErrNoParticipants),
		errors.Is(err, billsvc.ErrDuplicateParticipant),
		errors.Is(err, billsvc.ErrInvalidParticipant),
		errors.Is(err, billsvc.ErrSplitSumMismatch),
		errors.Is(err, money.ErrNegativeAmount),
		errors.Is(err, money.ErrInvalidParticipants):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("bill operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
