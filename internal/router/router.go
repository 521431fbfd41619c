package router

import (
	"github.com/gin-gonic/gin"

	"quantflow/internal/handler/admin"
	"quantflow/internal/handler/ping"
	"quantflow/internal/middleware"
	"quantflow/internal/obs"
)

type ApiRouter struct {
	adminHandler *admin.Handler
}

func NewApiRouter(ah *admin.Handler) *ApiRouter {
	return &ApiRouter{adminHandler: ah}
}

func (api *ApiRouter) Load(g *gin.Engine) {
	g.Use(gin.Recovery(), middleware.RequestID(), middleware.Logger, middleware.Options())

	g.GET("/ping", ping.Ping())
	g.GET("/metrics", gin.WrapH(obs.Handler()))

	base := g.Group("/api/v1")

	base.GET("/status", middleware.NoCache(), api.adminHandler.Status())

	p := base.Group("/positions", middleware.NoCache())
	{
		p.GET("", api.adminHandler.PositionsGet())
	}

	c := base.Group("/capital", middleware.NoCache())
	{
		c.GET("", api.adminHandler.CapitalGet())
	}

	o := base.Group("/orders")
	{
		o.GET("/open", middleware.NoCache(), api.adminHandler.OpenOrdersGet())
		o.GET("/recent", middleware.NoCache(), api.adminHandler.RecentOrdersGet())
		o.POST("/submit", api.adminHandler.OrderSubmit())
		o.POST("/cancel-all", api.adminHandler.OrdersCancelAll())
	}

	r := base.Group("/risk", middleware.NoCache())
	{
		r.GET("/stats", api.adminHandler.RiskStatsGet())
	}
}
