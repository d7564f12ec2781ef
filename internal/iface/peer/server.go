package peer

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	slogGin "github.com/samber/slog-gin"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/openmined/qbsync/internal/version"
)

func init() {
	gin.SetMode(gin.ReleaseMode)
}

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Device    string `json:"device"`
	Connected bool   `json:"connected"`
}

func (b *Backend) router() (http.Handler, error) {
	r := gin.New()

	httpLogger := b.log.WithGroup("http")
	r.Use(slogGin.NewWithConfig(httpLogger, slogGin.Config{
		DefaultLevel:     slog.LevelDebug,
		ClientErrorLevel: slog.LevelWarn,
		ServerErrorLevel: slog.LevelError,
	}))
	r.Use(gin.Recovery())

	if b.cfg.RateLimit != "" {
		rate, err := limiter.NewRateFromFormatted(b.cfg.RateLimit)
		if err != nil {
			return nil, err
		}
		r.Use(mgin.NewMiddleware(
			limiter.New(memory.NewStore(), rate),
			mgin.WithLimitReachedHandler(func(c *gin.Context) {
				c.String(http.StatusTooManyRequests, "rate limit exceeded")
			}),
		))
	}

	r.GET("/healthz", b.handleHealth)
	r.GET(DefaultPath, b.handleConnect)
	return r, nil
}

func (b *Backend) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:    "ok",
		Version:   version.Version,
		Device:    b.host.String(),
		Connected: b.Connected(),
	})
}

// handleConnect upgrades to a websocket and serves the session until it ends.
// A new connection replaces the current one.
func (b *Backend) handleConnect(c *gin.Context) {
	ws, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		b.log.Warn("peer accept", "remote", c.ClientIP(), "error", err)
		return
	}

	if !b.track() {
		ws.Close(websocket.StatusGoingAway, "shutdown")
		return
	}
	defer b.wg.Done()

	s, err := handshake(b.ctx, ws, b.opts, b.host)
	if err != nil {
		b.log.Warn("peer handshake", "remote", c.ClientIP(), "error", err)
		ws.Close(websocket.StatusProtocolError, "handshake failed")
		return
	}
	b.serve(s)
}
