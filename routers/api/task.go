package api

import (
	"context"
	"net/http"
	"time"

	"TopicToSlides-server/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// 查询任务状态：GET /api/tasks/:task_id
func (h *Handler) GetTaskStatus(c *gin.Context) {
	t, err := h.Store.GetTask(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		h.abortStoreError(c, err, "task not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": t})
}

func taskDone(status string) bool {
	return status == models.TaskStatusSuccess || status == models.TaskStatusFailed
}

// 任务进度 WebSocket：以数据库为来源，先推送当前状态，再轮询推送变化，终态后关闭
func (h *Handler) TaskProgressWebSocket(c *gin.Context) {
	taskID := c.Param("task_id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Log.Warn("WebSocket升级失败", "error", err)
		return
	}
	defer conn.Close()
	ctx := c.Request.Context()

	t, err := h.Store.GetTask(ctx, taskID)
	if err != nil {
		_ = conn.WriteJSON(gin.H{"error": "task not found: " + err.Error()})
		return
	}
	if err := conn.WriteJSON(t); err != nil || taskDone(t.Status) {
		return
	}
	prevStatus, prevProgress := t.Status, t.Progress

	h.poll(ctx, func() bool {
		cur, err := h.Store.GetTask(ctx, taskID)
		if err != nil {
			return true
		}
		if cur.Status != prevStatus || cur.Progress != prevProgress {
			if err := conn.WriteJSON(cur); err != nil {
				return false
			}
			prevStatus, prevProgress = cur.Status, cur.Progress
		}
		return !taskDone(cur.Status)
	})
}

type projectProgress struct {
	ProjectID  string                   `json:"project_id"`
	Status     string                   `json:"status"`
	PDFStatus  string                   `json:"pdf_status"`
	PPTXStatus string                   `json:"pptx_status"`
	SlideStats models.SlideStatusCounts `json:"slide_stats"`
	Percentage float64                  `json:"percentage"`
}

func (h *Handler) projectProgress(ctx context.Context, projectID string) (*projectProgress, error) {
	p, err := h.Store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	counts, err := h.Store.SlideStatusCounts(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return &projectProgress{
		ProjectID:  p.ProjectID,
		Status:     p.Status,
		PDFStatus:  p.PDFStatus,
		PPTXStatus: p.PPTXStatus,
		SlideStats: counts,
		Percentage: counts.Percentage(),
	}, nil
}

// 项目生成进度 WebSocket：项目进入 completed / failed 后关闭
func (h *Handler) ProjectProgressWebSocket(c *gin.Context) {
	projectID := c.Param("project_id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Log.Warn("WebSocket升级失败", "error", err)
		return
	}
	defer conn.Close()
	ctx := c.Request.Context()

	prev, err := h.projectProgress(ctx, projectID)
	if err != nil {
		_ = conn.WriteJSON(gin.H{"error": "project not found: " + err.Error()})
		return
	}
	done := func(p *projectProgress) bool {
		return p.Status == models.StatusCompleted || p.Status == models.StatusFailed
	}
	if err := conn.WriteJSON(prev); err != nil || done(prev) {
		return
	}

	h.poll(ctx, func() bool {
		cur, err := h.projectProgress(ctx, projectID)
		if err != nil {
			return true
		}
		if *cur != *prev {
			if err := conn.WriteJSON(cur); err != nil {
				return false
			}
			prev = cur
		}
		return !done(cur)
	})
}

// poll 按 PollInterval 调用 step，直到 step 返回 false 或请求结束
func (h *Handler) poll(ctx context.Context, step func() bool) {
	ticker := time.NewTicker(h.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !step() {
				return
			}
		}
	}
}
