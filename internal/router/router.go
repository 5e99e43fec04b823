package router

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/weibaohui/opensheets/config"
	"github.com/weibaohui/opensheets/internal/handler"
)

// sseRoutes 事件流不能被 gzip 缓冲
var sseRoutes = []string{
	`^/api/datasets/[^/]+/columns/[^/]+/generate$`,
	`^/api/datasets/[^/]+/columns/[^/]+/cells/[^/]+/regenerate$`,
	`^/api/datasets/[^/]+/events$`,
}

func Setup(
	cfg *config.Config,
	datasetHandler *handler.DatasetHandler,
	columnHandler *handler.ColumnHandler,
	generationHandler *handler.GenerationHandler,
) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPathsRegexs(sseRoutes)))

	api := r.Group("/api")
	{
		datasets := api.Group("/datasets")
		{
			datasets.POST("", datasetHandler.Create)
			datasets.GET("", datasetHandler.List)
			datasets.GET("/:id", datasetHandler.Get)
			datasets.DELETE("/:id", datasetHandler.Delete)
			datasets.POST("/:id/rows", datasetHandler.AppendRow)
			datasets.GET("/:id/events", generationHandler.Events)

			// 正在配置中的列
			datasets.POST("/:id/placeholder", columnHandler.CreatePlaceholder)
			datasets.PUT("/:id/placeholder", columnHandler.UpdatePlaceholder)
			datasets.DELETE("/:id/placeholder", columnHandler.DeletePlaceholder)
			datasets.POST("/:id/placeholder/confirm", columnHandler.ConfirmPlaceholder)

			datasets.POST("/:id/columns", columnHandler.Create)
			datasets.PATCH("/:id/columns/:cid", columnHandler.Update)
			datasets.DELETE("/:id/columns/:cid", columnHandler.Delete)
			datasets.POST("/:id/columns/:cid/duplicate", columnHandler.Duplicate)
			datasets.POST("/:id/columns/:cid/generate", generationHandler.Generate)
			datasets.POST("/:id/columns/:cid/jobs", generationHandler.Enqueue)
			datasets.POST("/:id/columns/:cid/cancel", generationHandler.Cancel)
			datasets.PUT("/:id/columns/:cid/cells/:idx", columnHandler.EditCell)
			datasets.POST("/:id/columns/:cid/cells/:idx/regenerate", generationHandler.Regenerate)
		}

		api.GET("/generation/status", generationHandler.Status)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return r
}
