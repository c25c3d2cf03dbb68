package http

import (
	"context"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/parley/internal/adapters/ws"
	"github.com/dkeye/parley/internal/config"
	"github.com/dkeye/parley/internal/relay"
)

// ClientTokenMiddleware tags every browser with a stable token so the UI can
// recognize returning visitors. Connection identity itself is assigned by
// the relay on socket open.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, r *relay.Relay) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	if cfg.Mode == "debug" {
		engine.Use(gin.Logger())
	}
	engine.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	engine.Use(sessions.Sessions("ParleySessions", store))
	engine.Use(ClientTokenMiddleware())

	engine.Static("/static", cfg.StaticPath)
	engine.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := engine.Group("/api")

	ctl := ws.NewController(r)
	ctl.ReadLimit = cfg.ReadLimit
	ctl.PingPeriod = cfg.PingPeriod
	api.GET("/ws", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("token", c.GetString("client_token")).Msg("ws endpoint hit")
		ctl.HandleSocket(ctx, c)
	})

	return engine
}
