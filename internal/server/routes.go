package server

import (
	"github.com/labstack/echo/v4"

	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/server/middleware"
	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/server/routes"
)

func RegisterRoutes(e *echo.Echo) {
	e.GET("/health", routes.HealthHandler)

	// Ingestion and chat
	e.POST("/ingest", routes.IngestHandler)
	e.POST("/chat", routes.ChatHandler)
	e.POST("/ingest/jobs", routes.SubmitIngestJobHandler, middleware.AuthMiddleware, middleware.RequirePermission(middleware.PermIngestCreate))

	view := middleware.RequirePermission(middleware.PermStagingView)
	review := middleware.RequirePermission(middleware.PermStagingReview)

	// Staging review routes
	stagingRoutes := e.Group("/staging", middleware.AuthMiddleware)
	stagingRoutes.GET("/entities", routes.ListStagedEntitiesHandler, view)
	stagingRoutes.GET("/relationships", routes.ListStagedRelationshipsHandler, view)
	stagingRoutes.GET("/items/:staged_id", routes.GetStagedItemHandler, view)
	stagingRoutes.POST("/items/:staged_id/decision", routes.DecideHandler, review)
	stagingRoutes.POST("/approve-all", routes.ApproveAllHandler, review)
	stagingRoutes.DELETE("/pending", routes.CleanPendingHandler, review)
	stagingRoutes.DELETE("/documents/:document_id", routes.DeleteDocumentHandler, review)
	stagingRoutes.GET("/statistics", routes.StagingStatisticsHandler, view)
	stagingRoutes.POST("/promote", routes.PromoteHandler, middleware.RequirePermission(middleware.PermStagingPromote))

	// Review sessions
	stagingRoutes.GET("/sessions", routes.ListSessionsHandler, view)
	stagingRoutes.POST("/sessions", routes.OpenSessionHandler, review)
	stagingRoutes.GET("/sessions/:session_id", routes.GetSessionHandler, view)
	stagingRoutes.POST("/sessions/:session_id/complete", routes.CompleteSessionHandler, review)

	// Graph maintenance
	adminRoutes := e.Group("/admin", middleware.AuthMiddleware, middleware.RequirePermission(middleware.PermGraphAdmin))
	adminRoutes.POST("/normalize-labels", routes.NormalizeLabelsHandler)
	adminRoutes.POST("/merge-duplicates", routes.MergeDuplicatesHandler)
	adminRoutes.POST("/ensure-indices", routes.EnsureIndicesHandler)
	adminRoutes.GET("/stats", routes.StatsHandler)
}
