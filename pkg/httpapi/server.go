package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// NewRouter builds the gin engine exposing the Job Control API (spec §6):
// POST /jobs, GET /jobs/:id, GET /jobs/:id/steps, GET /jobs/:id/report, and a
// readiness probe at /health backed by health.
func NewRouter(jobs JobStore, health HealthChecker) *gin.Engine {
	router := gin.Default()
	srv := NewServer(jobs)

	router.GET("/health", func(c *gin.Context) {
		status, err := health.Health(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, status)
			return
		}
		c.JSON(http.StatusOK, status)
	})

	router.POST("/jobs", srv.CreateJob)
	router.GET("/jobs/:id", srv.GetJob)
	router.GET("/jobs/:id/steps", srv.ListSteps)
	router.GET("/jobs/:id/report", srv.GetReport)

	return router
}
