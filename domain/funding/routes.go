package funding

import "github.com/labstack/echo/v4"

// RegisterRoutes registers the pipeline operator surface.
func RegisterRoutes(e *echo.Echo, h *Handler) {
	g := e.Group("/pipeline")
	g.POST("/jobs", h.CreateTestJobs)
	g.POST("/process-next", h.ProcessNextJob)
	g.GET("/stats", h.QueueStats)
	g.GET("/dead-letter", h.ListDeadLetterJobs)
	g.POST("/dead-letter/:jobId/retry", h.RetryDeadLetterJob)
}
