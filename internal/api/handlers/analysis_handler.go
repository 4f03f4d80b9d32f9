package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/office-analysis/office-analysis-go/internal/domain"
	"github.com/office-analysis/office-analysis-go/internal/repository"
	"github.com/office-analysis/office-analysis-go/internal/service"
)

// AnalysisHandler 分析任务处理器
type AnalysisHandler struct {
	svc            service.AnalysisService
	logger         *logrus.Logger
	uploadDir      string
	maxUploadBytes int64
}

// NewAnalysisHandler 创建分析任务处理器
func NewAnalysisHandler(svc service.AnalysisService, logger *logrus.Logger, uploadDir string, maxUploadBytes int64) *AnalysisHandler {
	return &AnalysisHandler{
		svc:            svc,
		logger:         logger,
		uploadDir:      uploadDir,
		maxUploadBytes: maxUploadBytes,
	}
}

// Upload 上传文档并提交分析
// POST /api/analyses
func (h *AnalysisHandler) Upload(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "获取上传文件失败",
		})
		return
	}

	if h.maxUploadBytes > 0 && file.Size > h.maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("文件大小超过限制 (最大 %dMB)", h.maxUploadBytes/(1024*1024)),
		})
		return
	}

	fileName := filepath.Base(file.Filename)
	if fileName == "." || fileName == string(filepath.Separator) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "文件名无效",
		})
		return
	}

	if err := os.MkdirAll(h.uploadDir, 0755); err != nil {
		h.logger.WithError(err).Error("Failed to create upload directory")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "创建上传目录失败",
		})
		return
	}

	// 同名文件可能内容不同，落盘时加前缀避免覆盖
	destPath := filepath.Join(h.uploadDir, uuid.New().String()+"_"+fileName)
	if err := c.SaveUploadedFile(file, destPath); err != nil {
		h.logger.WithError(err).WithField("filename", fileName).Error("Failed to save uploaded file")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "文件上传失败",
		})
		return
	}

	task, err := h.svc.Submit(c.Request.Context(), fileName, destPath, domain.SourceUpload)
	if err != nil {
		h.logger.WithError(err).WithField("filename", fileName).Error("Failed to submit analysis")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "提交分析任务失败",
		})
		return
	}

	h.logger.WithFields(logrus.Fields{
		"task_id":  task.ID,
		"filename": fileName,
		"size":     file.Size,
	}).Info("Document uploaded")

	c.JSON(http.StatusAccepted, task)
}

// GetAnalysis 获取任务详情（含证据）
// GET /api/analyses/:id
func (h *AnalysisHandler) GetAnalysis(c *gin.Context) {
	task, err := h.svc.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "获取任务失败")
		return
	}
	c.JSON(http.StatusOK, task)
}

// ListAnalyses 获取任务列表
// GET /api/analyses?page=1&page_size=20&status=completed
func (h *AnalysisHandler) ListAnalyses(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page <= 0 {
		page = 1
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil || pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	tasks, total, err := h.svc.ListTasks(c.Request.Context(), page, pageSize, c.Query("status"))
	if err != nil {
		h.logger.WithError(err).Error("Failed to list analyses")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "获取任务列表失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      tasks,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// DeleteAnalysis 删除任务及其证据
// DELETE /api/analyses/:id
func (h *AnalysisHandler) DeleteAnalysis(c *gin.Context) {
	if err := h.svc.DeleteTask(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err, "删除任务失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "任务已删除",
	})
}

// GetStats 各状态任务数量
// GET /api/stats
func (h *AnalysisHandler) GetStats(c *gin.Context) {
	counts, total, err := h.svc.GetStatusCounts(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to get status counts")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "获取统计失败",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total":  total,
		"status": counts,
	})
}

func (h *AnalysisHandler) respondError(c *gin.Context, err error, message string) {
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "任务不存在",
		})
		return
	}
	h.logger.WithError(err).WithField("task_id", c.Param("id")).Error(message)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": message,
	})
}
