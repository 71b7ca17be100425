package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"TopicToSlides-server/config"
	"TopicToSlides-server/logger"
	"TopicToSlides-server/models"
	"TopicToSlides-server/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Enqueuer 把任务 id 投递到队列，service.Queue 实现
type Enqueuer interface {
	Enqueue(taskID string) error
}

// SettingsRunner 配置检测，service.SettingsTester 实现
type SettingsRunner interface {
	List() []service.SettingsTest
	Run(ctx context.Context, key string) (*service.SettingsResult, error)
}

// Handler 所有接口共享的依赖
type Handler struct {
	Store        *models.Store
	Queue        Enqueuer
	Config       *config.Service
	Settings     SettingsRunner
	Log          *logger.Logger
	PollInterval time.Duration // websocket 轮询数据库的间隔
}

func NewHandler(store *models.Store, queue Enqueuer, cfg *config.Service, settings SettingsRunner, log *logger.Logger) *Handler {
	return &Handler{
		Store:        store,
		Queue:        queue,
		Config:       cfg,
		Settings:     settings,
		Log:          log.With("component", "api"),
		PollInterval: time.Second,
	}
}

func (h *Handler) dataDir() string {
	return h.Config.Current().Generation.DataDir
}

func (h *Handler) projectDirs(p *models.Project) service.ProjectDirs {
	return service.ProjectPaths(h.dataDir(), p.ProjectName)
}

// submitTask 入库并入队；入队失败时把任务标记为失败
func (h *Handler) submitTask(ctx context.Context, t *models.Task) error {
	t.ID = uuid.NewString()
	t.Status = models.TaskStatusPending
	if err := h.Store.CreateTask(ctx, t); err != nil {
		return err
	}
	if err := h.Queue.Enqueue(t.ID); err != nil {
		h.Log.Error("任务入队失败", "task_id", t.ID, "type", t.Type, "error", err)
		_ = h.Store.UpdateTaskStatus(ctx, t.ID, models.TaskStatusFailed, 0, "", nil, err.Error())
		return err
	}
	return nil
}

// loadProject 不存在时直接写 404
func (h *Handler) loadProject(c *gin.Context) (*models.Project, bool) {
	p, err := h.Store.GetProject(c.Request.Context(), c.Param("project_id"))
	if err != nil {
		h.abortStoreError(c, err, "项目不存在")
		return nil, false
	}
	return p, true
}

func (h *Handler) abortStoreError(c *gin.Context, err error, notFoundMsg string) {
	if errors.Is(err, models.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": notFoundMsg})
		return
	}
	h.Log.Error("store error", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
