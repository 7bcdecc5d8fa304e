package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DogezRule/Management-Panel-Cyber/internal/models"
)

// SetupRoutes registers every endpoint on router. A nil gatherer leaves /metrics out.
func SetupRoutes(router *gin.Engine, h *Handler, gatherer prometheus.Gatherer) {
	// --- Public Routes ---

	// Login endpoint - intentionally *not* under /api/v1 group
	router.POST("/login", h.LoginHandler)
	router.GET("/health", h.HealthHandler)

	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	// --- Authenticated Routes ---

	apiV1 := router.Group("/api/v1")
	apiV1.Use(AuthMiddleware())
	{
		// GET /api/v1/templates
		apiV1.GET("/templates", h.ListTemplatesHandler)

		instances := apiV1.Group("/instances")
		{
			instances.POST("", h.DeployInstanceHandler)
			instances.GET("", h.ListInstancesHandler)
			instances.GET("/:id", h.GetInstanceHandler)
			instances.DELETE("/:id", h.DeleteInstanceHandler)
			instances.POST("/:id/start", h.StartInstanceHandler)
			instances.POST("/:id/stop", h.StopInstanceHandler)
			instances.POST("/:id/refresh", h.RefreshInstanceHandler)
			// POST /api/v1/instances/{id}/console
			instances.POST("/:id/console", h.OpenConsoleHandler)
		}

		consoles := apiV1.Group("/console")
		{
			consoles.GET("/sessions", h.ListConsoleSessionsHandler)
			consoles.GET("/:sessionId/ws", h.AttachConsoleHandler)
			consoles.DELETE("/:sessionId", h.TerminateConsoleSessionHandler)
		}

		// Class-wide deployment and cleanup
		bulk := apiV1.Group("/bulk")
		bulk.Use(RequireRole(models.RoleAdmin, models.RoleTeacher))
		{
			bulk.POST("/plan", h.PlanBulkDeployHandler)
			bulk.POST("/deploy", h.BulkDeployHandler)
			bulk.POST("/delete", h.BulkDeleteHandler)
		}

		// Teachers watch cluster usage alongside admins
		apiV1.GET("/stats", RequireRole(models.RoleAdmin, models.RoleTeacher), h.NodeStatisticsHandler)

		admin := apiV1.Group("/admin")
		admin.Use(RequireRole(models.RoleAdmin))
		{
			admin.GET("/nodes", h.ListNodesHandler)
			admin.PUT("/nodes", h.SaveNodeHandler)
			admin.DELETE("/nodes/:name", h.DeleteNodeHandler)

			admin.PUT("/templates", h.SaveTemplateHandler)
			admin.DELETE("/templates/:id", h.DeleteTemplateHandler)
			admin.GET("/templates/:id/mappings", h.ListMappingsHandler)
			admin.PUT("/templates/:id/mappings", h.ReplaceMappingsHandler)
			admin.DELETE("/templates/:id/mappings/:node", h.DeleteMappingHandler)

			admin.GET("/users", h.ListUsersHandler)
			admin.POST("/users", h.CreateUserHandler)
			admin.DELETE("/users/:username", h.DeleteUserHandler)

			admin.GET("/control-sessions", h.ListControlSessionsHandler)
			admin.DELETE("/control-sessions/:node", h.EvictControlSessionHandler)
		}
	}
}
