// Command metaversed is the space-fabric process entrypoint: it wires
// Store, Cache, Router, MediaRegistry, ChatPipeline, InviteManager, the
// streaming ConnectionParser, and the secondary message-handler surface
// together, then serves the WebSocket upgrade and HTTP health/metrics
// endpoints.
package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	icache "github.com/devan1shX/metaverse/internal/cache"
	"github.com/devan1shX/metaverse/internal/chat"
	"github.com/devan1shX/metaverse/internal/conn"
	"github.com/devan1shX/metaverse/internal/handlers"
	"github.com/devan1shX/metaverse/internal/invite"
	"github.com/devan1shX/metaverse/internal/media"
	domainmetrics "github.com/devan1shX/metaverse/internal/metrics"
	"github.com/devan1shX/metaverse/internal/parser"
	"github.com/devan1shX/metaverse/internal/router"
	"github.com/devan1shX/metaverse/internal/store"
	"github.com/devan1shX/metaverse/pkg/auth"
	"github.com/devan1shX/metaverse/pkg/config"
	"github.com/devan1shX/metaverse/pkg/database"
	"github.com/devan1shX/metaverse/pkg/logging"
	"github.com/devan1shX/metaverse/pkg/monitoring"
	"github.com/devan1shX/metaverse/pkg/server"
	"github.com/devan1shX/metaverse/pkg/version"
)

func main() {
	logger := logging.NewLoggerWithService("metaversed")
	config.LoadEnv(logger)

	logger.Info("Starting metaversed (space presence and messaging fabric)")

	host := config.GetEnv("WS_HOST", "localhost")
	port := config.GetEnv("WS_PORT", "5001")
	dbHost := config.GetEnv("DB_HOST", "localhost")
	dbPort := config.GetEnv("DB_PORT", "5432")
	dbUser := config.GetEnv("DB_USER", "postgres")
	dbPassword := config.GetEnv("DB_PASSWORD", "")
	dbName := config.GetEnv("DB_DATABASE", "metaverse")
	redisAddr := config.GetEnv("REDIS_ADDR", "")
	inviteExpiryHours := config.GetEnvInt("INVITE_EXPIRY_HOURS", 24)
	jwtSecret := config.GetEnv("JWT_SECRET", "")

	dbCfg := database.DefaultConfig()
	dbCfg.URL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", dbUser, dbPassword, dbHost, dbPort, dbName)
	db := database.MustConnect(dbCfg, logger)

	st := store.NewPostgresStore(db)
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache, err := icache.New(ctx, redisAddr)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize cache")
	}
	defer cache.Close()

	healthChecker := monitoring.NewHealthChecker("metaversed", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("metaversed", version.Version, version.GitCommit)
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DB_HOST": dbHost,
		"WS_PORT": port,
	}))

	rtr := router.New(st, logger)

	// Adapter closures: media and chat depend on function types rather than
	// router- or space-defined interfaces, so *router.Router and
	// *space.Broadcaster never need to implement a named interface from
	// either package directly.
	lookupMediaSpace := func(spaceID string) (media.SpaceView, bool) {
		b, ok := rtr.GetSpace(spaceID)
		if !ok {
			return nil, false
		}
		return b, true
	}
	lookupMediaConn := func(userID string) (media.Target, bool) {
		c, ok := rtr.LookupUser(userID)
		if !ok {
			return nil, false
		}
		return c, true
	}
	lookupChatSpace := func(spaceID string) (chat.SpaceEnqueuer, bool) {
		b, ok := rtr.GetSpace(spaceID)
		if !ok {
			return nil, false
		}
		return b, true
	}
	lookupChatConn := func(userID string) (chat.Target, bool) {
		c, ok := rtr.LookupUser(userID)
		if !ok {
			return nil, false
		}
		return c, true
	}

	mediaRegistry := media.New(logger, lookupMediaSpace, lookupMediaConn)
	chatPipeline := chat.New(st, cache, logger, lookupChatSpace, lookupChatConn)
	inviteManager := invite.New(st, inviteExpiryHours)

	fabricMetrics := domainmetrics.New(metricsCollector)
	messageHandler := handlers.New(st, inviteManager, logger, fabricMetrics)
	connParser := parser.New(rtr, chatPipeline, mediaRegistry, st, logger)

	go observeFabricStats(ctx, fabricMetrics, chatPipeline, mediaRegistry, rtr)

	ginRouter := server.SetupServiceRouter(logger, "metaversed", healthChecker, metricsCollector)
	registerWebSocketRoute(ginRouter, connParser, logger, jwtSecret)
	registerMessageHandlerRoute(ginRouter, messageHandler, logger)

	serverConfig := server.DefaultConfig("metaversed", port)
	logger.WithFields(logging.Fields{"host": host, "port": port}).Info("metaversed ready")

	if err := server.Start(serverConfig, ginRouter, logger); err != nil {
		logger.WithError(err).Fatal("HTTP server startup failed")
	}
}

const statsObservationInterval = 15 * time.Second

// observeFabricStats periodically pushes the chat pipeline's and media
// registry's point-in-time Stats snapshots into the domain Prometheus
// gauges, since neither collaborator touches a metrics registry directly.
func observeFabricStats(ctx context.Context, m *domainmetrics.Metrics, chatPipeline *chat.Pipeline, mediaRegistry *media.Registry, rtr *router.Router) {
	ticker := time.NewTicker(statsObservationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			chatStats := chatPipeline.Stats()
			m.ObserveChat(domainmetrics.ChatStats{
				TotalProcessed: chatStats.TotalProcessed,
				Successful:     chatStats.Successful,
				Failed:         chatStats.Failed,
				Retries:        chatStats.Retries,
			})

			mediaStats := mediaRegistry.Stats()
			m.ObserveMedia(domainmetrics.MediaStats{
				TotalAudioStreams:    mediaStats.TotalAudioStreams,
				TotalVideoStreams:    mediaStats.TotalVideoStreams,
				TotalScreenStreams:   mediaStats.TotalScreenStreams,
				ActiveStreams:        mediaStats.ActiveStreams,
				TotalPeerConnections: mediaStats.TotalPeerConnections,
				WebRTCSignalsRelayed: mediaStats.WebRTCSignalsRelayed,
			})

			for spaceID, count := range rtr.SpaceSubscriberCounts() {
				m.SetSpaceConnections(spaceID, count)
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// registerWebSocketRoute mounts the single bidirectional channel at
// /ws/metaverse/space. An optional bearer JWT is validated if present;
// its absence does not reject the upgrade since identity is established
// later by the join transition.
func registerWebSocketRoute(r *gin.Engine, p *parser.Parser, logger logging.Logger, jwtSecret string) {
	r.GET("/ws/metaverse/space", func(c *gin.Context) {
		if jwtSecret != "" {
			if authHeader := c.GetHeader("Authorization"); authHeader != "" {
				parts := strings.SplitN(authHeader, " ", 2)
				if len(parts) == 2 && parts[0] == "Bearer" {
					if _, err := auth.ValidateJWT(parts[1], []byte(jwtSecret)); err != nil {
						logger.WithError(err).Warn("rejecting websocket upgrade: invalid bearer token")
						c.AbortWithStatus(http.StatusUnauthorized)
						return
					}
				}
			}
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.WithError(err).Error("failed to upgrade websocket connection")
			return
		}

		connection := conn.New(ws, logger)
		go connection.WritePump()
		p.Run(c.Request.Context(), connection)
	})
}

// registerMessageHandlerRoute exposes the secondary command surface over
// plain HTTP POST for callers that prefer the closed request-reply
// envelope to the streaming channel.
func registerMessageHandlerRoute(r *gin.Engine, h *handlers.Handler, logger logging.Logger) {
	r.POST("/api/metaverse/message", func(c *gin.Context) {
		var req handlers.Request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, handlers.Response{Status: "failed", Error: "invalid request body"})
			return
		}

		connInfo := &handlers.ConnInfo{}
		if userID := c.GetHeader("X-User-Id"); userID != "" {
			connInfo.UserID = userID
			connInfo.Authenticated = true
		}

		resp := h.Handle(c.Request.Context(), req, connInfo)
		c.JSON(http.StatusOK, resp)
	})
}
