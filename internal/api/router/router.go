package router

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/transcode-orchestrator/internal/api/handler"
	"github.com/cuongbtq/transcode-orchestrator/internal/auth"
	"github.com/cuongbtq/transcode-orchestrator/shared/ratelimit"
)

// Options holds what the router needs besides the handler dependencies
type Options struct {
	Tokens *auth.TokenService
	// Limiter guards the runner routes when set
	Limiter ratelimit.Limiter
	// HealthChecks are run by /health, keyed by dependency name
	HealthChecks map[string]func(ctx context.Context) error
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", healthHandler(opts.HealthChecks))

	runnerHandler := handler.NewRunnerHandler(deps)
	runnerJobHandler := handler.NewRunnerJobHandler(deps)
	jobHandler := handler.NewJobHandler(deps)

	manageRunners := AdminAuth(opts.Tokens, auth.RightManageRunners)
	manageJobs := AdminAuth(opts.Tokens, auth.RightManageJobs)

	v1 := r.Group("/api/v1")
	{
		runners := v1.Group("/runners")
		if opts.Limiter != nil {
			runners.Use(RateLimitMiddleware(opts.Limiter, deps.Logger))
		}
		{
			runners.POST("/register", runnerHandler.Register)
			runners.POST("/unregister", runnerHandler.Unregister)
			runners.GET("", manageRunners, runnerHandler.List)
			runners.DELETE("/:id", manageRunners, runnerHandler.Delete)

			tokens := runners.Group("/registration-tokens", manageRunners)
			{
				tokens.POST("/generate", runnerHandler.GenerateRegistrationToken)
				tokens.GET("", runnerHandler.ListRegistrationTokens)
				tokens.DELETE("/:id", runnerHandler.DeleteRegistrationToken)
			}

			jobs := runners.Group("/jobs")
			{
				jobs.POST("/request", runnerJobHandler.Request)
				jobs.POST("/:uuid/accept", runnerJobHandler.Accept)
				jobs.POST("/:uuid/update", runnerJobHandler.Update)
				jobs.POST("/:uuid/error", runnerJobHandler.Error)
				jobs.POST("/:uuid/abort", runnerJobHandler.Abort)
				jobs.POST("/:uuid/success", runnerJobHandler.Success)

				jobs.POST("/:uuid/cancel", manageRunners, runnerJobHandler.Cancel)
				jobs.DELETE("/:uuid", manageRunners, runnerJobHandler.Delete)
				jobs.GET("", manageRunners, runnerJobHandler.List)

				files := jobs.Group("/:uuid/files/videos/:videoUUID")
				{
					files.POST("/max-quality", runnerJobHandler.MaxQualityFile)
					files.POST("/previews/max-quality", runnerJobHandler.PreviewFile)
					files.POST("/studio/task-files/:filename", runnerJobHandler.StudioTaskFile)
				}
			}
		}

		localJobs := v1.Group("/jobs", manageJobs)
		{
			localJobs.GET("/stats", jobHandler.JobStats)
			localJobs.GET("/id/:id", jobHandler.GetJob)
			localJobs.GET("/:state", jobHandler.ListJobs)
		}

		videos := v1.Group("/videos/:uuid", manageJobs)
		{
			videos.POST("/transcoding", jobHandler.CreateTranscoding)
			videos.POST("/live-sessions", jobHandler.CreateLiveSession)
		}
	}

	return r
}

// healthHandler reports 503 as soon as one dependency check fails
func healthHandler(checks map[string]func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, code := "healthy", http.StatusOK
		results := make(map[string]string, len(checks))

		for name, check := range checks {
			if err := check(c.Request.Context()); err != nil {
				results[name] = err.Error()
				status, code = "unhealthy", http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}

		c.JSON(code, gin.H{
			"status":  status,
			"service": "transcode-orchestrator-api",
			"checks":  results,
		})
	}
}
