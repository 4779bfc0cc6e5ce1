package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/relaychat/internal/auth"
	"github.com/MarcoPoloResearchLab/relaychat/internal/chat"
	"github.com/MarcoPoloResearchLab/relaychat/internal/relay"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const identityIDContextKey = "relaychat_identity_id"

var (
	errMissingRelay         = errors.New("relay dependency required")
	errMissingAccounts      = errors.New("account service dependency required")
	errMissingTokenIssuer   = errors.New("token issuer dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// AccountAuthenticator registers and authenticates usernames.
type AccountAuthenticator interface {
	Register(ctx context.Context, username, password string) (chat.Identity, error)
	Login(ctx context.Context, username, password string) (chat.Identity, error)
}

// SessionTokenIssuer issues session tokens for authenticated identities.
type SessionTokenIssuer interface {
	IssueSessionToken(ctx context.Context, identity chat.Identity) (string, int64, error)
}

// SessionTokenValidator validates session tokens presented at the websocket endpoint.
type SessionTokenValidator interface {
	ValidateToken(token string) (auth.SessionClaims, error)
}

// Dependencies wires the relay's HTTP surface. TokenValidator and Gatherer are
// optional: without a validator /ws accepts anonymous upgrades, without a
// gatherer /metrics is not mounted.
type Dependencies struct {
	Relay          *relay.Relay
	Accounts       AccountAuthenticator
	TokenIssuer    SessionTokenIssuer
	TokenValidator SessionTokenValidator
	Gatherer       prometheus.Gatherer
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the relay.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Relay == nil {
		return nil, errMissingRelay
	}
	if deps.Accounts == nil {
		return nil, errMissingAccounts
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
	router.Use(corsMiddleware())

	handler := &httpHandler{
		relay:     deps.Relay,
		accounts:  deps.Accounts,
		issuer:    deps.TokenIssuer,
		validator: deps.TokenValidator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		logger: logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/auth/register", handler.handleRegister)
	router.POST("/auth/login", handler.handleLogin)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	realtime := router.Group("/")
	if deps.TokenValidator != nil {
		realtime.Use(handler.authorizeRequest)
	}
	realtime.GET("/ws", handler.handleWebsocket)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:    []string{"Authorization", "Content-Type"},
		MaxAge:          12 * time.Hour,
	})
}

type httpHandler struct {
	relay     *relay.Relay
	accounts  AccountAuthenticator
	issuer    SessionTokenIssuer
	validator SessionTokenValidator
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

type credentialsPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponsePayload struct {
	Identity    chat.Identity `json:"identity"`
	AccessToken string        `json:"access_token"`
	ExpiresIn   int64         `json:"expires_in"`
	TokenType   string        `json:"token_type"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": h.relay.ConnectionCount(),
		"members":     len(h.relay.Roster()),
	})
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	h.authenticate(c, h.accounts.Register)
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	h.authenticate(c, h.accounts.Login)
}

func (h *httpHandler) authenticate(c *gin.Context, authenticate func(context.Context, string, string) (chat.Identity, error)) {
	var request credentialsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	identity, err := authenticate(c.Request.Context(), request.Username, request.Password)
	switch {
	case errors.Is(err, auth.ErrMissingCredentials):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	case errors.Is(err, auth.ErrUsernameTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "username_taken"})
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
		return
	case err != nil:
		h.logger.Error("account operation failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "auth_failed"})
		return
	}

	token, expiresIn, err := h.issuer.IssueSessionToken(c.Request.Context(), identity)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.String("identity_id", identity.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		Identity:    identity,
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleWebsocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	h.logger.Debug("websocket connected",
		zap.String("remote_addr", c.Request.RemoteAddr),
		zap.String("identity_id", c.GetString(identityIDContextKey)))
	if err := h.relay.Serve(c.Request.Context(), conn, c.GetString(identityIDContextKey)); err != nil {
		h.logger.Warn("websocket rejected", zap.Error(err))
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityIDContextKey, claims.Subject)
	c.Next()
}

// bearerToken reads the token from the Authorization header, falling back to
// the access_token query parameter for clients that cannot set headers on upgrade.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(c.Query("access_token"))
}
