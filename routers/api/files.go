package api

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"TopicToSlides-server/service"

	"github.com/gin-gonic/gin"
)

// validProjectName 只允许 projects/ 下的单层目录名
func validProjectName(name string) bool {
	if name == "" || name == "." || name != filepath.Base(name) || strings.Contains(name, "..") {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

// 列出项目的幻灯片 html 文件：GET /api/files?project=<project_name>
func (h *Handler) ListFiles(c *gin.Context) {
	name := strings.TrimSpace(c.Query("project"))
	if !validProjectName(name) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "非法项目名"})
		return
	}
	dirs := service.ProjectPaths(h.dataDir(), name)
	entries, err := os.ReadDir(dirs.HTML)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.JSON(http.StatusNotFound, gin.H{"error": "项目不存在"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".html" {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".html"))
	}
	service.SortSlideIDs(ids)
	files := make([]string, len(ids))
	for i, id := range ids {
		files[i] = id + ".html"
	}
	c.JSON(http.StatusOK, gin.H{"project": name, "files": files})
}

type saveFileRequest struct {
	Project string `json:"project" binding:"required"`
	File    string `json:"file" binding:"required"`
	Content string `json:"content"`
}

// 保存编辑后的幻灯片 html：POST /api/save
func (h *Handler) SaveFile(c *gin.Context) {
	var req saveFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !validProjectName(req.Project) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "非法项目名"})
		return
	}
	if !service.SafeFileName(req.File) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "只允许保存 .html 文件"})
		return
	}
	dirs := service.ProjectPaths(h.dataDir(), req.Project)
	if _, err := os.Stat(dirs.HTML); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目不存在"})
		return
	}
	path := filepath.Join(dirs.HTML, req.File)
	if err := os.WriteFile(path, []byte(req.Content), 0o644); err != nil {
		h.Log.Error("保存文件失败", "path", path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "保存失败: " + err.Error()})
		return
	}
	h.Log.Info("文件已保存", "project", req.Project, "file", req.File)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "file": req.File})
}
