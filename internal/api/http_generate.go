package api

import (
	"artgen/internal/entity"
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// GenerateImage 同步生成接口：提交、处理、等待结果，一次请求完成。
func (h *HTTPHandler) GenerateImage(c *gin.Context) {
	user := CurrentUser(c)
	if user == nil {
		Unauthorized(c, "authentication required")
		return
	}

	request, ok := h.bindGenerateRequest(c)
	if !ok {
		return
	}

	if !h.tryAcquireGeneration(user.ID) {
		TooManyRequests(c, ErrCodeGenerationInProgress, "a generation is already in progress for this user")
		return
	}
	defer h.releaseGeneration(user.ID)

	if !h.checkCredits(c, user.ID) {
		return
	}

	response, err := h.processor.GenerateSync(c.Request.Context(), user.ID, request)
	if err != nil {
		logrus.WithError(err).WithField("user_id", user.ID).Error("synchronous generation failed")
		ErrorResponse(c, http.StatusInternalServerError, ErrCodeGenerationFailed, "generation failed")
		return
	}

	c.JSON(http.StatusOK, response)
}

// SubmitTask 异步提交接口：落库后立即返回任务 ID，由后台处理。
func (h *HTTPHandler) SubmitTask(c *gin.Context) {
	user := CurrentUser(c)
	if user == nil {
		Unauthorized(c, "authentication required")
		return
	}

	request, ok := h.bindGenerateRequest(c)
	if !ok {
		return
	}

	if !h.checkCredits(c, user.ID) {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	task, err := h.processor.SubmitTask(ctx, user.ID, request)
	if err != nil {
		logrus.WithError(err).WithField("user_id", user.ID).Error("failed to submit task")
		InternalError(c, "failed to submit task")
		return
	}

	h.processor.ProcessTaskAsync(task.TaskID)

	c.JSON(http.StatusAccepted, entity.TaskSubmitResponse{
		TaskID: task.TaskID,
		Status: task.Status,
	})
}

// GetTaskStatus 任务轮询接口。非本人任务按不存在处理。
func (h *HTTPHandler) GetTaskStatus(c *gin.Context) {
	user := CurrentUser(c)
	if user == nil {
		Unauthorized(c, "authentication required")
		return
	}

	task, ok := h.loadOwnedTask(c, user.ID)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, entity.MakeTaskStatusResponse(task))
}

// CancelTask 用户侧取消接口。
func (h *HTTPHandler) CancelTask(c *gin.Context) {
	user := CurrentUser(c)
	if user == nil {
		Unauthorized(c, "authentication required")
		return
	}

	task, ok := h.loadOwnedTask(c, user.ID)
	if !ok {
		return
	}

	if entity.IsTerminalTaskStatus(task.Status) {
		BadRequest(c, ErrCodeTaskNotCancellable, "task already finished")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	updated, _, err := h.processor.CancelTask(ctx, task.TaskID)
	if err != nil {
		logrus.WithError(err).WithField("task_id", task.TaskID).Error("failed to cancel task")
		InternalError(c, "failed to cancel task")
		return
	}

	c.JSON(http.StatusOK, entity.CancelStatusResponse{
		TaskID:          updated.TaskID,
		Status:          updated.Status,
		CancelRequested: updated.CancelRequested,
	})
}

// GetCredits 查询当前用户积分余额，首次访问时懒创建。
func (h *HTTPHandler) GetCredits(c *gin.Context) {
	user := CurrentUser(c)
	if user == nil {
		Unauthorized(c, "authentication required")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	balance, err := h.repo.EnsureCreditBalance(ctx, user.ID, h.cfg.CreditDefaultGrant)
	if err != nil {
		logrus.WithError(err).WithField("user_id", user.ID).Error("failed to load credit balance")
		InternalError(c, "failed to load credit balance")
		return
	}

	c.JSON(http.StatusOK, entity.CreditBalanceResponse{Credits: balance.Credits})
}

// InternalProcessTask 内部触发接口：声明并后台处理指定任务。
func (h *HTTPHandler) InternalProcessTask(c *gin.Context) {
	taskID := strings.TrimSpace(c.Param("id"))
	if taskID == "" {
		MissingField(c, "id")
		return
	}

	task, err := h.getTask(c, taskID)
	if err != nil {
		return
	}
	if entity.IsTerminalTaskStatus(task.Status) {
		BadRequest(c, ErrCodeInvalidRequest, "task already finished")
		return
	}

	h.processor.ProcessTaskAsync(taskID)
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID, "status": "accepted"})
}

// InternalCancelTask 内部取消接口。
func (h *HTTPHandler) InternalCancelTask(c *gin.Context) {
	taskID := strings.TrimSpace(c.Param("id"))
	if taskID == "" {
		MissingField(c, "id")
		return
	}

	if _, err := h.getTask(c, taskID); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	updated, _, err := h.processor.CancelTask(ctx, taskID)
	if err != nil {
		logrus.WithError(err).WithField("task_id", taskID).Error("failed to cancel task internally")
		InternalError(c, "failed to cancel task")
		return
	}

	c.JSON(http.StatusOK, entity.CancelStatusResponse{
		TaskID:          updated.TaskID,
		Status:          updated.Status,
		CancelRequested: updated.CancelRequested,
	})
}

// InternalCancelStatus 内部取消状态查询，任务处理方轮询用。
func (h *HTTPHandler) InternalCancelStatus(c *gin.Context) {
	taskID := strings.TrimSpace(c.Param("id"))
	if taskID == "" {
		MissingField(c, "id")
		return
	}

	task, err := h.getTask(c, taskID)
	if err != nil {
		return
	}

	c.JSON(http.StatusOK, entity.CancelStatusResponse{
		TaskID:          task.TaskID,
		Status:          task.Status,
		CancelRequested: task.CancelRequested,
	})
}

// bindGenerateRequest 解析并校验生成请求：提示词和参考图至少要有一个。
func (h *HTTPHandler) bindGenerateRequest(c *gin.Context) (*entity.GenerateImageRequest, bool) {
	var request entity.GenerateImageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		InvalidPayload(c)
		return nil, false
	}
	if strings.TrimSpace(request.Prompt) == "" && !request.HasImage() {
		BadRequest(c, ErrCodeMissingField, "prompt or image is required")
		return nil, false
	}
	return &request, true
}

// checkCredits 预检余额，不足时直接拒绝，避免创建注定失败的任务。
// 真正的扣费仍是处理时的原子条件扣减。
func (h *HTTPHandler) checkCredits(c *gin.Context, userID uint) bool {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	balance, err := h.repo.EnsureCreditBalance(ctx, userID, h.cfg.CreditDefaultGrant)
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("failed to check credit balance")
		InternalError(c, "failed to check credit balance")
		return false
	}
	if balance.Credits < 1 {
		BadRequest(c, ErrCodeInsufficientCredits, "insufficient credits")
		return false
	}
	return true
}

// loadOwnedTask 加载任务并做归属校验，非本人任务按不存在处理。
func (h *HTTPHandler) loadOwnedTask(c *gin.Context, userID uint) (*entity.DbGenerationTask, bool) {
	taskID := strings.TrimSpace(c.Param("id"))
	if taskID == "" {
		MissingField(c, "id")
		return nil, false
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	task, err := h.repo.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			NotFound(c, ErrCodeTaskNotFound, "task not found")
			return nil, false
		}
		logrus.WithError(err).WithField("task_id", taskID).Error("failed to load task")
		InternalError(c, "failed to load task")
		return nil, false
	}
	if task.UserID != userID {
		NotFound(c, ErrCodeTaskNotFound, "task not found")
		return nil, false
	}
	return task, true
}

// getTask 内部接口用的任务加载，出错时已写入响应。
func (h *HTTPHandler) getTask(c *gin.Context, taskID string) (*entity.DbGenerationTask, error) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	task, err := h.repo.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			NotFound(c, ErrCodeTaskNotFound, "task not found")
			return nil, err
		}
		logrus.WithError(err).WithField("task_id", taskID).Error("failed to load task")
		InternalError(c, "failed to load task")
		return nil, err
	}
	return task, nil
}
