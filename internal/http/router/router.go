// Package router builds the status API served next to the bridge.
package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/edirooss/faderbridge/internal/http/handler"
	mw "github.com/edirooss/faderbridge/internal/http/middleware"
)

// DiscoverTimeout bounds POST /api/serial/discover.
const DiscoverTimeout = 30 * time.Second

// NewRouter builds the gin engine. dev enables CORS for local frontends,
// otherwise secure headers are set and only loopback proxies are trusted.
func NewRouter(log *zap.Logger, b handler.Bridge, dev bool) *gin.Engine {
	if !dev {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(mw.RequestID())

	if dev {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  []string{"http://localhost:5173", "http://localhost:4173", "http://localhost:3000", "http://127.0.0.1:3000"},
			AllowMethods:  []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:  []string{mw.RequestIDHeader, "Content-Type"},
			ExposeHeaders: []string{mw.RequestIDHeader, "X-Total-Count"},
			MaxAge:        12 * time.Hour,
		}))
	} else {
		_ = r.SetTrustedProxies([]string{"127.0.0.1"})
		r.Use(secure.New(secure.Config{
			FrameDeny:          true,
			ContentTypeNosniff: true,
			SSLProxyHeaders:    map[string]string{"X-Forwarded-Proto": "https"},
		}))
	}

	r.Use(mw.AccessLog(log.Named("access")))

	h := handler.NewBridgeHandler(log, b, DiscoverTimeout)

	r.GET("/api/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })
	r.GET("/api/status", h.GetStatus)
	r.GET("/api/channels", h.GetChannelList)
	r.GET("/api/channels/:name", mw.RequireValidChannelName(), h.GetChannel)
	r.GET("/api/events", h.GetEvents)
	r.POST("/api/serial/discover", mw.LimitConcurrentRequests(1), h.Discover)

	return r
}

// NewServer wraps the router with the usual timeouts.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      DiscoverTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}
