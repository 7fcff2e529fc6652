package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lattice-sync/syncengine/internal/auth"
	"github.com/lattice-sync/syncengine/internal/engine"
	"github.com/lattice-sync/syncengine/internal/identity"
	"github.com/lattice-sync/syncengine/internal/oplog"
	"github.com/lattice-sync/syncengine/internal/syncproto"
)

const userIDContextKey = "syncengine_user_id"

var (
	errMissingIdentityService = errors.New("identity service dependency required")
	errMissingEngine          = errors.New("merge engine dependency required")
	errMissingOpLog           = errors.New("oplog store dependency required")
	errMissingTokenIssuer     = errors.New("token issuer dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// Dependencies bundles the domain services the HTTP management plane
// sits in front of. It never depends on the wiring facade (that would
// invert the dependency), only on the leaf services it fronts.
type Dependencies struct {
	Identity    *identity.Service
	Engine      *engine.Engine
	OpLog       *oplog.Store
	TokenIssuer *auth.TokenIssuer
	SyncManager *syncproto.Manager
	Logger      *zap.Logger
}

// NewHTTPHandler builds the management/embedding HTTP surface: account
// and device administration plus a thin view onto the oplog and sync
// state, for operators who would rather drive the engine over HTTP
// than link it in as a library.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Identity == nil {
		return nil, errMissingIdentityService
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.OpLog == nil {
		return nil, errMissingOpLog
	}
	if deps.TokenIssuer == nil {
		return nil, errMissingTokenIssuer
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
		identity:    deps.Identity,
		engine:      deps.Engine,
		oplogStore:  deps.OpLog,
		tokens:      deps.TokenIssuer,
		syncManager: deps.SyncManager,
		logger:      logger,
	}

	v1 := router.Group("/v1")
	v1.POST("/users", handler.handleRegisterUser)
	v1.POST("/sessions", handler.handleLogin)

	protected := v1.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/devices", handler.handleAuthorizeDevice)
	protected.POST("/operations", handler.handleRecordOperation)
	protected.GET("/oplog", handler.handleScanOplog)
	protected.GET("/sync/status", handler.handleSyncStatus)

	return router, nil
}

type httpHandler struct {
	identity    *identity.Service
	engine      *engine.Engine
	oplogStore  *oplog.Store
	tokens      *auth.TokenIssuer
	syncManager *syncproto.Manager
	logger      *zap.Logger
}

type registerUserRequest struct {
	Handle   string `json:"handle"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userResponse struct {
	UserID string `json:"user_id"`
	Handle string `json:"handle"`
	Email  string `json:"email"`
}

func (h *httpHandler) handleRegisterUser(c *gin.Context) {
	var request registerUserRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	user, err := h.identity.RegisterUser(c.Request.Context(), request.Handle, request.Email, request.Password)
	switch {
	case errors.Is(err, identity.ErrHandleTaken), errors.Is(err, identity.ErrEmailTaken):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error("user registration failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	c.JSON(http.StatusCreated, userResponse{UserID: user.UserID, Handle: user.Handle, Email: user.Email})
}

type loginRequest struct {
	Handle   string `json:"handle"`
	Password string `json:"password"`
	DeviceID string `json:"device_id"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	user, err := h.identity.Login(c.Request.Context(), request.Handle, request.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
		return
	}

	token, expiresIn, err := h.tokens.IssueDeviceToken(c.Request.Context(), auth.DeviceClaims{
		UserID:   user.UserID,
		DeviceID: request.DeviceID,
	})
	if err != nil {
		h.logger.Error("failed to issue device token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, loginResponse{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		UserID:      user.UserID,
	})
}

type authorizeDeviceRequest struct {
	DeviceType string `json:"device_type"`
	PushToken  string `json:"push_token"`
}

type deviceResponse struct {
	DeviceID   string `json:"device_id"`
	UserID     string `json:"user_id"`
	DeviceType string `json:"device_type"`
	Status     string `json:"status"`
}

func (h *httpHandler) handleAuthorizeDevice(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request authorizeDeviceRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.DeviceType) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	device, err := h.identity.AuthorizeDevice(c.Request.Context(), userID, request.DeviceType, request.PushToken)
	if err != nil {
		h.logger.Error("device authorization failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "authorization_failed"})
		return
	}

	c.JSON(http.StatusCreated, deviceResponse{
		DeviceID:   device.DeviceID,
		UserID:     device.UserID,
		DeviceType: device.DeviceType,
		Status:     string(device.Status),
	})
}

type recordOperationRequest struct {
	DeviceID         string         `json:"device_id"`
	TableName        string         `json:"table_name"`
	PrimaryKeyColumn string         `json:"primary_key_column"`
	Operation        string         `json:"operation"`
	Row              map[string]any `json:"row"`
}

type recordOperationResponse struct {
	OpID               string `json:"op_id"`
	DeviceHighWaterHLC uint64 `json:"device_high_water_hlc"`
}

func (h *httpHandler) handleRecordOperation(c *gin.Context) {
	var request recordOperationRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	operation, err := parseOperation(request.Operation)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_operation"})
		return
	}

	table, err := engine.NewTableName(request.TableName)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_table_name"})
		return
	}
	deviceID, err := engine.NewDeviceID(request.DeviceID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_device_id"})
		return
	}

	opID, err := h.engine.RecordLocal(c.Request.Context(), deviceID, table, request.PrimaryKeyColumn, operation, request.Row)
	if err != nil {
		h.logger.Error("failed to record operation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "record_failed"})
		return
	}

	highWater, _, err := h.oplogStore.HighWaterForDevice(c.Request.Context(), request.DeviceID)
	if err != nil {
		h.logger.Error("failed to load device high-water mark", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "record_failed"})
		return
	}

	c.JSON(http.StatusCreated, recordOperationResponse{OpID: opID.String(), DeviceHighWaterHLC: highWater})
}

type oplogEntryResponse struct {
	OpID      string `json:"op_id"`
	DeviceID  string `json:"device_id"`
	HLC       uint64 `json:"hlc"`
	TableName string `json:"table_name"`
	RowKey    string `json:"row_key"`
	Operation string `json:"operation"`
	Payload   []byte `json:"payload"`
}

func (h *httpHandler) handleScanOplog(c *gin.Context) {
	sinceHLC, err := parseSinceParam(c.Query("since"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
		return
	}

	cursor := h.oplogStore.ScanSince(c.Request.Context(), sinceHLC)
	entries := make([]oplogEntryResponse, 0)
	for {
		entry, ok, err := cursor.Next()
		if err != nil {
			h.logger.Error("oplog scan failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "scan_failed"})
			return
		}
		if !ok {
			break
		}
		entries = append(entries, oplogEntryResponse{
			OpID:      entry.OpID,
			DeviceID:  entry.DeviceID,
			HLC:       entry.HLC,
			TableName: entry.TableName,
			RowKey:    entry.RowKey,
			Operation: string(entry.Operation),
			Payload:   entry.Payload,
		})
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type peerStatusResponse struct {
	NetworkPeerID string `json:"network_peer_id"`
	State         string `json:"state"`
	LastSyncHLC   uint64 `json:"last_sync_hlc"`
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	if h.syncManager == nil {
		c.JSON(http.StatusOK, gin.H{"peers": []peerStatusResponse{}})
		return
	}

	peers := h.syncManager.Peers()
	response := make([]peerStatusResponse, 0, len(peers))
	for _, peer := range peers {
		response = append(response, peerStatusResponse{
			NetworkPeerID: peer.NetworkPeerID,
			State:         peer.State.String(),
			LastSyncHLC:   peer.LastSyncHLC,
		})
	}
	c.JSON(http.StatusOK, gin.H{"peers": response})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

func parseOperation(value string) (oplog.OperationType, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(oplog.OperationCreate):
		return oplog.OperationCreate, nil
	case string(oplog.OperationUpdate):
		return oplog.OperationUpdate, nil
	case string(oplog.OperationDelete):
		return oplog.OperationDelete, nil
	default:
		return "", errors.New("unknown operation")
	}
}

func parseSinceParam(value string) (uint64, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	return strconv.ParseUint(value, 10, 64)
}
