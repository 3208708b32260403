package sonibot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	xRequestIDHeader = "X-Request-ID"
	pprofPrefix      = "/debug"
	apiTokenIssuer   = "sonibot"
	apiClaimsKey     = "api_claims"
	apiLoggerKey     = "api_logger"

	apiHealthCheck          = "/healthz"
	apiMetrics              = "/metrics"
	apiPrefix               = "/api"
	apiPathReminders        = "/reminders"
	apiPathReminder         = "/reminder/:id"
	apiPathReactionRoles    = "/reaction_roles"
	apiPathPollerPause      = "/poller/pause"
	apiPathPollerResume     = "/poller/resume"
	apiPathPollerTick       = "/poller/tick"
	apiPathRegisterCommands = "/discord/register_commands"
	apiPathQuit             = "/quit"

	apiDefaultPageSize = 25
)

var (
	structValidator = validator.New()

	errMissingBearerToken = errors.New("missing bearer token")
)

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// API is the admin HTTP server.
//
// Everything under /api requires a bearer token signed with
// [APIConfig.Secret]. /healthz and /metrics are unauthenticated.
type API struct {
	config      *APIConfig
	httpServer  *http.Server
	listener    net.Listener
	engine      *gin.Engine
	tickLimiter *rate.Limiter
	logger      *slog.Logger

	handlers *APIHandlers
}

// APIHandlers holds the handlers for each API route.
type APIHandlers struct {
	b *Bot
}

func newAPI(b *Bot, config *APIConfig) (*API, error) {
	logger := newNamedLogger(defaultLogWriter, config.LogLevel, "api")

	if !b.config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		config:      config,
		engine:      r,
		tickLimiter: rate.NewLimiter(rate.Limit(1), 1),
		logger:      logger,
		handlers:    &APIHandlers{b: b},
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Cert != "" || config.SSL.Key != "" {
		tlsCfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && b.config.Development {
		corsConfig.AllowOrigins = []string{"*"}
		corsConfig.AllowOriginFunc = nil
		corsConfig.AllowCredentials = false
	}

	if !b.config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		metricMiddleware(b.metrics),
		cors.New(corsConfig),
	)

	h := api.handlers
	r.GET(apiHealthCheck, h.healthCheck)
	r.GET(apiMetrics, gin.WrapH(b.metrics.Handler()))

	if b.config.Development {
		ginPprof.Register(r, pprofPrefix)
		runtime.SetMutexProfileFraction(1)
		runtime.SetBlockProfileRate(1)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware([]byte(config.Secret)))

	protected.GET(apiPathReminders, h.getReminders)
	protected.GET(apiPathReminder, h.getReminder)
	protected.DELETE(apiPathReminder, h.cancelReminder)
	protected.GET(apiPathReactionRoles, h.getReactionRoles)
	protected.POST(apiPathPollerPause, h.pollerPause)
	protected.POST(apiPathPollerResume, h.pollerResume)
	protected.POST(apiPathPollerTick, api.pollerTick)
	protected.POST(apiPathRegisterCommands, h.discordRegisterCommands)
	protected.POST(apiPathQuit, h.botQuit)

	return api, nil
}

// Serve listens on [APIConfig.Listen] (unless a listener was already set)
// and serves until the server is shut down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	a.logger.InfoContext(
		ctx,
		"serving api",
		"addr", a.listener.Addr().String(),
		"tls", a.httpServer.TLSConfig != nil,
	)
	if a.httpServer.TLSConfig != nil {
		return a.httpServer.ServeTLS(a.listener, "", "")
	}
	return a.httpServer.Serve(a.listener)
}

// apiClaims are the claims carried by API bearer tokens.
type apiClaims struct {
	jwt.RegisteredClaims
}

// NewAPIToken returns a bearer token for the admin API, signed with
// secret, for the given subject. A ttl of 0 creates a token that
// doesn't expire.
func NewAPIToken(secret string, subject string, ttl time.Duration) (string, error) {
	if len(secret) < minAPISecretLength {
		return "", fmt.Errorf("api secret must be at least %d characters", minAPISecretLength)
	}
	now := time.Now()
	claims := apiClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    apiTokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseAPIToken(secret []byte, token string) (*apiClaims, error) {
	claims := &apiClaims{}
	_, err := jwt.ParseWithClaims(
		token,
		claims,
		func(*jwt.Token) (any, error) {
			return secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(apiTokenIssuer),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func bearerToken(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", errMissingBearerToken
	}
	return strings.TrimSpace(token), nil
}

// authMiddleware rejects requests without a valid bearer token with
// HTTP 401.
func authMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)

		token, err := bearerToken(c)
		if err != nil {
			logger.Warn("unauthorized request", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		claims, err := parseAPIToken(secret, token)
		if err != nil {
			logger.Warn("invalid token", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		c.Set(apiClaimsKey, claims)
		c.Set(string(loggerContextKey), logger.With("subject", claims.Subject))
		c.Next()
	}
}

// requestIDMiddleware assigns a unique ID to each request, set on the
// gin context and echoed in the X-Request-ID response header.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}

	base := slog.Default()
	if logger, ok := c.Get(apiLoggerKey); ok {
		if l, ok := logger.(*slog.Logger); ok {
			base = l
		}
	}

	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it finishes, with its
// duration and response status.
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Set(apiLoggerKey, logger)

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		// authMiddleware may have replaced the request logger
		requestLogger = ginContextLogger(c)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware records request counts and durations by route.
// Unmatched routes are recorded under "unmatched" to keep label
// cardinality bounded.
func metricMiddleware(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.observeHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

// Pagination represents the pagination parameters for API requests.
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

func (p Pagination) sortOrder() Sort {
	if p.Order == Descending {
		return Descending
	}
	return Ascending
}

// Sort is the order results are returned in, either [Ascending]
// or [Descending].
type Sort string

type healthCheckResponse struct {
	DiscordGatewayConnected bool        `json:"discord_gateway_connected"`
	Poller                  PollerStats `json:"poller"`
	ActiveReminders         int64       `json:"active_reminders"`
	ReactionRoles           int64       `json:"reaction_roles"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	ctx := c.Request.Context()
	resp := healthCheckResponse{
		DiscordGatewayConnected: h.b.discord.Connected(),
		Poller:                  h.b.poller.Stats(),
	}

	if db := h.b.db; db != nil {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(
			func() error {
				return db.WithContext(gctx).Model(&Reminder{}).
					Where(columnReminderActive+" = ?", true).
					Count(&resp.ActiveReminders).Error
			},
		)
		g.Go(
			func() error {
				return db.WithContext(gctx).Model(&ReactionRole{}).
					Count(&resp.ReactionRoles).Error
			},
		)
		if err := g.Wait(); err != nil {
			ginContextLogger(c).ErrorContext(ctx, "error counting records", tint.Err(err))
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
	}

	c.JSON(http.StatusOK, resp)
}

// getReminders lists reminders, including inactive ones unless
// filtered with `active=true`.
func (h *APIHandlers) getReminders(c *gin.Context) {
	var q ReminderQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid query"})
		return
	}
	if q.Limit == 0 {
		q.Limit = apiDefaultPageSize
	}

	reminders, err := listReminders(c.Request.Context(), h.b.db, q)
	if err != nil {
		ginContextLogger(c).Error("error listing reminders", tint.Err(err))
		ginReplyError(c, "error listing reminders")
		return
	}
	c.JSON(http.StatusOK, reminders)
}

func reminderIDParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid id"})
		return 0, false
	}
	return uint(id), true
}

func (h *APIHandlers) getReminder(c *gin.Context) {
	id, ok := reminderIDParam(c)
	if !ok {
		return
	}
	r, err := getReminder(c.Request.Context(), h.b.db, id)
	if err != nil {
		if errors.Is(err, ErrReminderNotFound) {
			c.JSON(http.StatusNotFound, httpError{Error: ErrReminderNotFound.Error()})
			return
		}
		ginContextLogger(c).Error("error getting reminder", tint.Err(err))
		ginReplyError(c, "error getting reminder")
		return
	}
	c.JSON(http.StatusOK, r)
}

// cancelReminder cancels any active reminder, regardless of owner.
func (h *APIHandlers) cancelReminder(c *gin.Context) {
	id, ok := reminderIDParam(c)
	if !ok {
		return
	}
	ctx := WithLogger(c.Request.Context(), ginContextLogger(c))
	r, err := h.b.reminders.Cancel(ctx, "", id)
	if err != nil {
		if errors.Is(err, ErrReminderNotFound) {
			c.JSON(http.StatusNotFound, httpError{Error: ErrReminderNotFound.Error()})
			return
		}
		ginContextLogger(c).Error("error cancelling reminder", tint.Err(err))
		ginReplyError(c, "error cancelling reminder")
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *APIHandlers) getReactionRoles(c *gin.Context) {
	roles, err := listReactionRoles(c.Request.Context(), h.b.db, c.Query("guild_id"))
	if err != nil {
		ginContextLogger(c).Error("error listing reaction roles", tint.Err(err))
		ginReplyError(c, "error listing reaction roles")
		return
	}
	c.JSON(http.StatusOK, roles)
}

func (h *APIHandlers) pollerPause(c *gin.Context) {
	if h.b.poller.Paused() {
		c.AbortWithStatusJSON(http.StatusConflict, httpError{Error: "poller already paused"})
		return
	}
	h.b.poller.Pause()
	ginReplyMessage(c, "poller paused")
}

func (h *APIHandlers) pollerResume(c *gin.Context) {
	if !h.b.poller.Paused() {
		c.AbortWithStatusJSON(http.StatusConflict, httpError{Error: "poller not paused"})
		return
	}
	h.b.poller.Resume()
	ginReplyMessage(c, "poller resumed")
}

// pollerTick asks every instance to poll for due reminders now.
func (a *API) pollerTick(c *gin.Context) {
	if !a.tickLimiter.Allow() {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
		return
	}
	notifier := a.handlers.b.dbNotifier
	if notifier == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: "not running"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), dbNotifierSendTimeout)
	defer cancel()
	if !notifier.PollNow(ctx) {
		c.JSON(http.StatusAccepted, httpReply{Message: "poll already pending"})
		return
	}
	c.JSON(http.StatusAccepted, httpReply{Message: "poll requested"})
}

func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("registering commands")

	createdCommands, err := h.b.RegisterSlashCommands()
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error registering commands"})
		return
	}
	c.JSON(http.StatusCreated, createdCommands)
}

// botQuit sends a stop signal to every running instance.
func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")

	notifier := h.b.dbNotifier
	if notifier == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: "not running"})
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), 30*time.Second)
	defer cancel()

	if !notifier.Stop(ctx) {
		log.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
		return
	}
	ginReplyMessage(c, "quitting")
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(validateReminderConfig, ReminderConfig{})
	structValidator.RegisterStructValidation(validateAPIConfig, APIConfig{})
}
