package api

import (
	"quantflow/internal/engine"
	"quantflow/internal/handler/admin"
	"quantflow/internal/router"
)

func InitRouter(e *engine.Engine) Router {
	adminHandler := admin.NewHandler(
		e.Commander,
		e.Positions,
		e.Orders,
		e.Guardian,
		e.Bus,
		e.OrderDao,
	)
	return router.NewApiRouter(adminHandler)
}
