package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/edirooss/faderbridge/internal/bridge"
	"github.com/edirooss/faderbridge/internal/events"
	"github.com/edirooss/faderbridge/internal/faderlink"
	"github.com/edirooss/faderbridge/internal/throttle"
)

// Bridge is the part of the bridge exposed over HTTP.
type Bridge interface {
	Status() bridge.Status
	Channels() []throttle.State
	Channel(name string) (throttle.State, bool)
	Events(lines int) []events.Event
	Discover(ctx context.Context) error
}

// BridgeHandler serves the read-only status API and the manual discovery
// trigger.
//
// Supported operations:
//   - GET  /status          → whole bridge snapshot
//   - GET  /channels        → all channels
//   - GET  /channels/{name} → one channel
//   - GET  /events?lines=N  → recent events, newest first
//   - POST /serial/discover → scan for the fader now
type BridgeHandler struct {
	log             *zap.Logger
	bridge          Bridge
	discoverTimeout time.Duration
}

// NewBridgeHandler serves b. discoverTimeout bounds a manual scan.
func NewBridgeHandler(log *zap.Logger, b Bridge, discoverTimeout time.Duration) *BridgeHandler {
	return &BridgeHandler{
		log:             log.Named("bridge_handler"),
		bridge:          b,
		discoverTimeout: discoverTimeout,
	}
}

func (h *BridgeHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.bridge.Status())
}

// GetChannelList adds X-Total-Count.
func (h *BridgeHandler) GetChannelList(c *gin.Context) {
	chs := h.bridge.Channels()
	c.Header("X-Total-Count", strconv.Itoa(len(chs)))
	c.JSON(http.StatusOK, chs)
}

func (h *BridgeHandler) GetChannel(c *gin.Context) {
	ch, ok := h.bridge.Channel(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "channel not found"})
		return
	}
	c.JSON(http.StatusOK, ch)
}

// GetEvents returns the last `lines` events; 0 or missing means all.
func (h *BridgeHandler) GetEvents(c *gin.Context) {
	lines := 0
	if s := c.Query("lines"); s != "" {
		n, err := strconv.Atoi(s)
		if err == nil && n < 0 {
			err = errors.New("negative lines")
		}
		if err != nil {
			c.Error(err)
			c.JSON(http.StatusBadRequest, gin.H{"message": "invalid lines"})
			return
		}
		lines = n
	}

	evs := h.bridge.Events(lines)
	if evs == nil {
		evs = []events.Event{}
	}
	c.JSON(http.StatusOK, evs)
}

// Discover runs a scan when no device is attached.
//
// Status Codes:
//   - 200 OK → device attached, body is the serial status
//   - 404 Not Found → no port answered as a fader
//   - 504 Gateway Timeout → the scan did not finish in time
func (h *BridgeHandler) Discover(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.discoverTimeout)
	defer cancel()

	if err := h.bridge.Discover(ctx); err != nil {
		c.Error(err)
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			c.JSON(http.StatusGatewayTimeout, gin.H{"message": "discovery timed out"})
		case errors.Is(err, faderlink.ErrNoDevice):
			c.JSON(http.StatusNotFound, gin.H{"message": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, h.bridge.Status().Serial)
}
