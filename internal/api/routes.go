package api

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers the /v1 endpoints on rg.
//
//	GET    /v1/catalog
//	GET    /v1/targets
//	POST   /v1/targets/:target/runs
//	GET    /v1/targets/:target/latest
//	DELETE /v1/targets/:target/latest
//	POST   /v1/targets/:target/trace
//	POST   /v1/targets/:target/sweep
//	GET    /v1/targets/:target/ports/:port/snapshot
//	GET    /v1/runs/:id
//	GET    /v1/runs/:id/progress
//	POST   /v1/runs/:id/cancel
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	rg.GET("/catalog", h.HandleCatalog)
	rg.GET("/targets", h.HandleTargets)

	targets := rg.Group("/targets/:target")
	{
		targets.POST("/runs", h.HandleStart)
		targets.GET("/latest", h.HandleLatest)
		targets.DELETE("/latest", h.HandleClear)
		targets.POST("/trace", h.HandleTrace)
		targets.POST("/sweep", h.HandleSweep)
		targets.GET("/ports/:port/snapshot", h.HandleSnapshot)
	}

	runs := rg.Group("/runs/:id")
	{
		runs.GET("", h.HandleResult)
		runs.GET("/progress", h.HandleProgress)
		runs.POST("/cancel", h.HandleCancel)
	}
}

// NewRouter builds a gin engine with recovery, the health probe and the
// /v1 routes.
func NewRouter(h *Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", h.HandleHealth)
	RegisterRoutes(router.Group("/v1"), h)
	return router
}
