package api

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"TopicToSlides-server/models"
	"TopicToSlides-server/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type createProjectRequest struct {
	Topic            string `json:"topic" binding:"required,max=1000"`
	Audience         string `json:"audience" binding:"max=50"`
	Style            string `json:"style" binding:"max=50"`
	PageNum          *int   `json:"page_num" binding:"omitempty,min=1,max=100"`
	EnableImgSearch  bool   `json:"enable_img_search"`
	ReferenceContent string `json:"reference_content"`
}

func projectSummary(p *models.Project) gin.H {
	return gin.H{
		"project_id":   p.ProjectID,
		"project_name": p.ProjectName,
		"topic":        p.Topic,
		"audience":     p.Audience,
		"style":        p.Style,
		"page_num":     p.PageNum,
		"status":       p.Status,
		"pdf_status":   p.PDFStatus,
		"pptx_status":  p.PPTXStatus,
		"pdf_url":      p.PDFURL,
		"pptx_url":     p.PPTXURL,
		"created_at":   p.CreateTime.Format(time.RFC3339),
	}
}

func slideStats(c models.SlideStatusCounts) gin.H {
	return gin.H{
		"total":      c.Total,
		"pending":    c.Pending,
		"generating": c.Generating,
		"completed":  c.Completed,
		"failed":     c.Failed,
		"percentage": c.Percentage(),
	}
}

// 项目列表（含进度）：GET /api/projects
func (h *Handler) ListProjects(c *gin.Context) {
	ctx := c.Request.Context()
	projects, err := h.Store.ListProjects(ctx)
	if err != nil {
		h.abortStoreError(c, err, "")
		return
	}
	out := make([]gin.H, 0, len(projects))
	for i := range projects {
		p := &projects[i]
		counts, err := h.Store.SlideStatusCounts(ctx, p.ProjectID)
		if err != nil {
			h.abortStoreError(c, err, "")
			return
		}
		item := projectSummary(p)
		item["outline_ready"] = counts.Total > 0
		item["slide_stats"] = slideStats(counts)
		out = append(out, item)
	}
	c.JSON(http.StatusOK, out)
}

// 创建项目：POST /api/projects
func (h *Handler) CreateProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.Topic = strings.TrimSpace(req.Topic)
	if req.Topic == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "topic 不能为空"})
		return
	}
	if strings.TrimSpace(req.Audience) == "" {
		req.Audience = models.DefaultAudience
	}
	if strings.TrimSpace(req.Style) == "" {
		req.Style = models.DefaultStyle
	}
	pageNum := 10
	if req.PageNum != nil {
		pageNum = *req.PageNum
	}

	now := time.Now()
	project := models.Project{
		ProjectID:        uuid.NewString(),
		ProjectName:      service.ProjectName(req.Topic, now),
		Topic:            req.Topic,
		Audience:         req.Audience,
		Style:            req.Style,
		PageNum:          pageNum,
		EnableImgSearch:  req.EnableImgSearch,
		ReferenceContent: req.ReferenceContent,
		Status:           models.StatusPending,
		CreateTime:       now,
	}
	ctx := c.Request.Context()
	if err := h.Store.AddProject(ctx, &project); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建项目失败: " + err.Error()})
		return
	}
	h.Log.Info("项目写入数据库成功", "project_id", project.ProjectID, "topic", project.Topic)

	task := models.Task{
		ProjectId: project.ProjectID,
		Type:      models.TaskTypeCreateProject,
		Message:   "项目创建任务已创建,正在生成大纲...",
	}
	if err := h.submitTask(ctx, &task); err != nil {
		_ = h.Store.UpdateProject(ctx, project.ProjectID, models.ProjectUpdate{Status: models.Ptr(models.StatusFailed)})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建任务失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"project_id":   project.ProjectID,
		"project_name": project.ProjectName,
		"status":       "start",
		"task_id":      task.ID,
	})
}

// 项目详情：GET /api/projects/:project_id
func (h *Handler) GetProject(c *gin.Context) {
	p, ok := h.loadProject(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	counts, err := h.Store.SlideStatusCounts(ctx, p.ProjectID)
	if err != nil {
		h.abortStoreError(c, err, "")
		return
	}
	payload := gin.H{
		"project":       projectSummary(p),
		"slide_stats":   slideStats(counts),
		"outline_ready": false,
	}
	o, err := h.Store.GetOutline(ctx, p.ProjectID)
	switch {
	case err == nil:
		payload["outline_ready"] = true
		payload["outline_summary"] = gin.H{
			"global_visual_suggestion": o.GlobalVisualSuggestion,
			"has_images":               len(o.Images.Data()) > 0,
		}
	case !errors.Is(err, models.ErrNotFound):
		h.abortStoreError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, payload)
}

// GET /api/projects/:project_id/status
func (h *Handler) GetProjectStatus(c *gin.Context) {
	p, ok := h.loadProject(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"project_id": p.ProjectID, "status": p.Status})
}

// GET /api/projects/:project_id/outline
func (h *Handler) GetProjectOutline(c *gin.Context) {
	o, err := h.Store.GetOutline(c.Request.Context(), c.Param("project_id"))
	if err != nil {
		h.abortStoreError(c, err, "未找到项目大纲")
		return
	}
	c.JSON(http.StatusOK, o)
}

// GET /api/projects/:project_id/slides
func (h *Handler) ListSlides(c *gin.Context) {
	p, ok := h.loadProject(c)
	if !ok {
		return
	}
	slides, err := h.Store.ListSlides(c.Request.Context(), p.ProjectID)
	if err != nil {
		h.abortStoreError(c, err, "")
		return
	}
	items := make([]gin.H, 0, len(slides))
	for _, s := range slides {
		title := s.ChapterTitle
		if title == "" && s.ChapterID != 0 {
			title = "第 " + strconv.Itoa(s.ChapterID) + " 章"
		}
		items = append(items, gin.H{
			"slide_id":      s.SlideID,
			"chapter_id":    s.ChapterID,
			"chapter_title": title,
			"slide_order":   s.SlideOrder,
			"slide_topic":   s.SlideTopic,
			"status":        s.Status,
			"html_ready":    s.HTMLContent != "",
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"project_id":   p.ProjectID,
		"project_name": p.ProjectName,
		"slides":       items,
	})
}

// GET /api/projects/:project_id/slides/:slide_id
func (h *Handler) GetSlide(c *gin.Context) {
	s, err := h.Store.GetSlide(c.Request.Context(), c.Param("project_id"), c.Param("slide_id"))
	if err != nil {
		h.abortStoreError(c, err, "未找到指定幻灯片")
		return
	}
	c.JSON(http.StatusOK, s)
}

// 整个项目重新生成：POST /api/projects/:project_id/restart
func (h *Handler) RestartProject(c *gin.Context) {
	p, ok := h.loadProject(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := h.Store.UpdateProject(ctx, p.ProjectID, models.ProjectUpdate{Status: models.Ptr(models.StatusGenerating)}); err != nil {
		h.abortStoreError(c, err, "项目不存在")
		return
	}
	task := models.Task{ProjectId: p.ProjectID, Type: models.TaskTypeRestartProject, Message: "项目重新生成"}
	if err := h.submitTask(ctx, &task); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建任务失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"project_id": p.ProjectID, "status": models.StatusGenerating, "task_id": task.ID})
}

// 单页重新生成：POST /api/projects/:project_id/slides/:slide_id/restart
func (h *Handler) RestartSlide(c *gin.Context) {
	ctx := c.Request.Context()
	projectID, slideID := c.Param("project_id"), c.Param("slide_id")
	s, err := h.Store.GetSlide(ctx, projectID, slideID)
	if err != nil {
		h.abortStoreError(c, err, "未找到指定幻灯片")
		return
	}
	if s.Status == models.StatusGenerating {
		c.JSON(http.StatusConflict, gin.H{"error": "幻灯片正在生成中"})
		return
	}
	if err := h.Store.UpdateSlide(ctx, projectID, slideID, models.Ptr(models.StatusGenerating), nil); err != nil {
		h.abortStoreError(c, err, "未找到指定幻灯片")
		return
	}
	task := models.Task{ProjectId: projectID, SlideId: slideID, Type: models.TaskTypeRestartSlide, Message: "单页重新生成"}
	if err := h.submitTask(ctx, &task); err != nil {
		_ = h.Store.UpdateSlide(ctx, projectID, slideID, models.Ptr(models.StatusFailed), nil)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建任务失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"project_id": projectID,
		"slide_id":   slideID,
		"status":     models.StatusGenerating,
		"task_id":    task.ID,
	})
}

// 删除项目及其大纲、幻灯片和磁盘目录：DELETE /api/projects/:project_id
func (h *Handler) DeleteProject(c *gin.Context) {
	p, ok := h.loadProject(c)
	if !ok {
		return
	}
	if err := h.Store.DeleteProjectWithRelated(c.Request.Context(), p.ProjectID); err != nil {
		h.abortStoreError(c, err, "项目不存在")
		return
	}
	root := h.projectDirs(p).Root
	if err := os.RemoveAll(root); err != nil {
		h.Log.Warn("删除项目目录失败", "dir", root, "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"project_id": p.ProjectID, "deleted": true})
}

// GET /api/projects/:project_id/export/pdf
func (h *Handler) ExportPDF(c *gin.Context) {
	h.export(c, "pdf")
}

// GET /api/projects/:project_id/export/pptx
func (h *Handler) ExportPPTX(c *gin.Context) {
	h.export(c, "pptx")
}

// export 条件更新抢占 generating，并发请求只有一个会真正入队
func (h *Handler) export(c *gin.Context, kind string) {
	p, ok := h.loadProject(c)
	if !ok {
		return
	}
	if p.Status != models.StatusCompleted {
		c.JSON(http.StatusBadRequest, gin.H{"error": "项目未完成,不能导出" + strings.ToUpper(kind) + "!"})
		return
	}
	ctx := c.Request.Context()
	current, url := p.PDFStatus, p.PDFURL
	tryStart := h.Store.TryStartPDFExport
	task := models.Task{ProjectId: p.ProjectID, Type: models.TaskTypeExportPDF, Message: "导出 PDF"}
	if kind == "pptx" {
		current, url = p.PPTXStatus, p.PPTXURL
		tryStart = h.Store.TryStartPPTXExport
		task = models.Task{ProjectId: p.ProjectID, Type: models.TaskTypeExportPPTX, Message: "导出 PPTX"}
	} else if c.Query("continue_to_pptx") == "true" {
		task.Parameters.Export = &models.ExportParams{ContinueToPPTX: true}
	}

	if current == models.StatusCompleted || current == models.StatusGenerating {
		c.JSON(http.StatusOK, gin.H{"project_id": p.ProjectID, "status": current, "url": url})
		return
	}
	started, err := tryStart(ctx, p.ProjectID)
	if err != nil {
		h.abortStoreError(c, err, "项目不存在")
		return
	}
	if !started {
		c.JSON(http.StatusOK, gin.H{"project_id": p.ProjectID, "status": models.StatusGenerating})
		return
	}
	h.Log.Info("开始导出项目", "project_id", p.ProjectID, "kind", kind)
	if err := h.submitTask(ctx, &task); err != nil {
		u := models.ProjectUpdate{PDFStatus: models.Ptr(models.StatusFailed)}
		if kind == "pptx" {
			u = models.ProjectUpdate{PPTXStatus: models.Ptr(models.StatusFailed)}
		}
		_ = h.Store.UpdateProject(ctx, p.ProjectID, u)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建任务失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"project_id": p.ProjectID, "status": models.StatusGenerating, "task_id": task.ID})
}

// GET /api/projects/:project_id/tasks
func (h *Handler) ListProjectTasks(c *gin.Context) {
	tasks, err := h.Store.ListTasks(c.Request.Context(), c.Param("project_id"))
	if err != nil {
		h.abortStoreError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}
