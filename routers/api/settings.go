package api

import (
	"errors"
	"net/http"

	"TopicToSlides-server/service"

	"github.com/gin-gonic/gin"
)

// GET /api/config 密钥字段脱敏
func (h *Handler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"values": h.Config.Masked(), "keys": h.Config.Keys()})
}

// PUT /api/config 回传的脱敏值视为未修改
func (h *Handler) UpdateConfig(c *gin.Context) {
	var req map[string]string
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	masked := h.Config.Masked()
	overrides := make(map[string]string, len(req))
	for k, v := range req {
		if m, ok := masked[k]; ok && m == v {
			if cur, _ := h.Config.Get(k); cur != v {
				continue
			}
		}
		overrides[k] = v
	}
	if err := h.Config.Update(overrides); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.Log.Info("配置已更新", "keys", len(overrides))
	c.JSON(http.StatusOK, gin.H{"values": h.Config.Masked()})
}

// POST /api/config/reload
func (h *Handler) ReloadConfig(c *gin.Context) {
	if err := h.Config.Reload(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"values": h.Config.Masked()})
}

// GET /api/config/tests
func (h *Handler) ListSettingsTests(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tests": h.Settings.List()})
}

// POST /api/config/tests/:key 检测失败也返回 200，结果里 success=false
func (h *Handler) RunSettingsTest(c *gin.Context) {
	res, err := h.Settings.Run(c.Request.Context(), c.Param("key"))
	if err != nil {
		if errors.Is(err, service.ErrUnknownTest) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}
