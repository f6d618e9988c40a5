package empirebot

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
)

const (
	apiHealthCheck   = "/healthz"
	apiPathModels    = "/api/models"
	apiPathGuild     = "/api/guilds/:id"
	apiPathStatus    = "/api/status"
	apiPathShutdown  = "/api/shutdown"
	guildIDPathParam = "id"
)

var structValidator = validator.New()

//nolint:gochecknoinits // gotta use the same tag gin's binding does
func init() {
	structValidator.SetTagName("binding")
}

type httpError struct {
	Error string `json:"error"`
}

// API serves the status endpoints: health, the model table, per-guild
// configuration and bot runtime status, plus a shutdown endpoint that
// signals every instance sharing the database to stop. Guild
// configuration changes only happen through Discord commands.
//
// Fields:
//   - config: Configuration for the API server.
//   - httpServer: The underlying HTTP server.
//   - listener: Network listener for the HTTP server.
//   - engine: Gin engine for routing HTTP requests.
//   - requestMetrics: Per-route request counts.
//   - logger: Logger for API-related events.
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger

	b *EmpireBot
}

// newAPI initializes and returns a new instance of the API struct: it
// configures the Gin engine, the middleware stack, and the routes.
func newAPI(b *EmpireBot, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		b:              b,
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	api.httpServer = httpServer
	api.logger = setupLogger.With(loggerNameKey, "api")

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.GET(apiHealthCheck, api.healthCheck)
	r.GET(apiPathModels, api.getModels)
	r.GET(apiPathGuild, api.getGuild)
	r.GET(apiPathStatus, api.getStatus)
	r.POST(apiPathShutdown, api.shutdownBot)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, e := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if e != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, e)
	}
	a.listener = ln
	a.logger.Info("api listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			a.b.config.ShutdownTimeout,
		)
		defer cancel()
		_ = a.httpServer.Shutdown(shutdownCtx)
	}()

	return a.httpServer.Serve(a.listener)
}

func (a *API) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// shutdownBot signals a stop via the state notifier. With postgres this
// reaches every instance listening on the shared database, with sqlite
// only the current process.
func (a *API) shutdownBot(c *gin.Context) {
	if a.b.stateNotifier == nil {
		c.JSON(
			http.StatusServiceUnavailable,
			httpError{Error: "bot is not running"},
		)
		return
	}
	ctx, cancel := context.WithTimeout(
		c.Request.Context(),
		dbNotifierSendTimeout,
	)
	defer cancel()
	if !a.b.stateNotifier.Stop(ctx) {
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error sending stop signal"},
		)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopping"})
}

// apiModelInfo is the wire shape of one model table entry
type apiModelInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

func (a *API) getModels(c *gin.Context) {
	models := make([]apiModelInfo, 0, len(AllowedModels))
	for _, m := range AllowedModels {
		models = append(
			models, apiModelInfo{
				ID:          string(m),
				DisplayName: m.DisplayName(),
			},
		)
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

func (a *API) getGuild(c *gin.Context) {
	guildID := c.Param(guildIDPathParam)
	guild := a.b.writeDB.Guild(guildID)
	if guild == nil {
		c.AbortWithStatusJSON(
			http.StatusNotFound,
			httpError{Error: "guild not found"},
		)
		return
	}
	c.JSON(http.StatusOK, guild)
}

func (a *API) getStatus(c *gin.Context) {
	var uptime time.Duration
	if !a.b.startedAt.IsZero() {
		uptime = time.Since(a.b.startedAt)
	}

	a.requestMetricsMu.Lock()
	metrics := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		metrics[k] = v
	}
	a.requestMetricsMu.Unlock()

	c.JSON(
		http.StatusOK, gin.H{
			"version":              Version,
			"commit":               CommitSHA,
			"build_time":           BuildTime,
			"uptime":               uptime.String(),
			"discord_connected":    a.b.discord.connected.Load(),
			"discord_connects":     a.b.discord.metricConnects.Load(),
			"discord_disconnects":  a.b.discord.metricDisconnects.Load(),
			"messages_in_progress": a.b.messagesInProgress.Load(),
			"request_metrics":      metrics,
		},
	)
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		if requestID, exists := c.Get(xRequestIDHeader); exists {
			c.Header(xRequestIDHeader, requestID.(string))
		}
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware returns a Gin middleware function for logging HTTP
// requests.
//
// It logs the request method, path, remote address, user agent, referer,
// and the duration of the request. If there are any errors, it logs them
// as well.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware returns a Gin middleware function for tracking API
// request metrics.
//
// It increments the request count for each unique combination of HTTP
// method and URL path. The metrics are stored in the API's requestMetrics
// map, which is protected by a mutex.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		_, ok := a.requestMetrics[key]
		if !ok {
			a.requestMetrics[key] = 1
			return
		}
		a.requestMetrics[key]++
	}
}
