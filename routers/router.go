package routers

import (
	"TopicToSlides-server/routers/api"
	"TopicToSlides-server/routers/middleware"

	"github.com/gin-gonic/gin"
)

func InitRouter(h *api.Handler, dataDir string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(h.Log), middleware.CORS())
	// 生成的 html / 图片 / 导出文件，静态访问
	r.Static("/projects-data", dataDir)

	v1 := r.Group("/api")
	{
		v1.GET("/projects", h.ListProjects)
		v1.POST("/projects", h.CreateProject)
		v1.GET("/projects/:project_id", h.GetProject)
		v1.DELETE("/projects/:project_id", h.DeleteProject)
		v1.GET("/projects/:project_id/status", h.GetProjectStatus)
		v1.GET("/projects/:project_id/outline", h.GetProjectOutline)
		v1.GET("/projects/:project_id/slides", h.ListSlides)
		v1.GET("/projects/:project_id/slides/:slide_id", h.GetSlide)
		v1.POST("/projects/:project_id/restart", h.RestartProject)
		v1.POST("/projects/:project_id/slides/:slide_id/restart", h.RestartSlide)
		v1.GET("/projects/:project_id/export/pdf", h.ExportPDF)
		v1.GET("/projects/:project_id/export/pptx", h.ExportPPTX)
		v1.GET("/projects/:project_id/tasks", h.ListProjectTasks)
		v1.GET("/projects/:project_id/wss", h.ProjectProgressWebSocket)

		v1.GET("/tasks/:task_id", h.GetTaskStatus)
		v1.GET("/tasks/:task_id/wss", h.TaskProgressWebSocket)

		v1.GET("/files", h.ListFiles)
		v1.POST("/save", h.SaveFile)

		v1.GET("/config", h.GetConfig)
		v1.PUT("/config", h.UpdateConfig)
		v1.POST("/config/reload", h.ReloadConfig)
		v1.GET("/config/tests", h.ListSettingsTests)
		v1.POST("/config/tests/:key", h.RunSettingsTest)
	}
	return r
}
