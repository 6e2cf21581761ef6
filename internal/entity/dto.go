package entity

import "time"

// GenerateImageRequest is the submission payload for both the synchronous
// endpoint and the async task queue.
type GenerateImageRequest struct {
	Prompt      string `json:"prompt"`
	Image       string `json:"image,omitempty"` // URL 或 base64，图生图时使用
	Style       string `json:"style,omitempty"`
	AspectRatio string `json:"aspectRatio,omitempty"`
}

// HasImage reports whether the request carries an input image reference.
func (r *GenerateImageRequest) HasImage() bool {
	return r != nil && r.Image != ""
}

// GenerateImageResponse 同步生成接口的响应。
type GenerateImageResponse struct {
	Success    bool    `json:"success"`
	ImageURL   string  `json:"imageUrl,omitempty"`
	Error      string  `json:"error,omitempty"`
	Suggestion string  `json:"suggestion,omitempty"`
	Duration   float64 `json:"duration,omitempty"` // 秒
	TaskID     string  `json:"taskId,omitempty"`
}

// TaskSubmitResponse acknowledges an async task submission.
type TaskSubmitResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TaskStatusResponse is returned by the task polling endpoint.
type TaskStatusResponse struct {
	TaskID              string     `json:"task_id"`
	Status              string     `json:"status"`
	ResultURL           string     `json:"result_url,omitempty"`
	ErrorMessage        string     `json:"error_message,omitempty"`
	Suggestion          string     `json:"suggestion,omitempty"`
	ModelUsed           string     `json:"model_used,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

// CancelStatusResponse 取消状态查询响应。
type CancelStatusResponse struct {
	TaskID          string `json:"task_id"`
	Status          string `json:"status"`
	CancelRequested bool   `json:"cancel_requested"`
}

// MakeTaskStatusResponse 将任务行转换为轮询响应。
func MakeTaskStatusResponse(task *DbGenerationTask) TaskStatusResponse {
	if task == nil {
		return TaskStatusResponse{}
	}
	return TaskStatusResponse{
		TaskID:              task.TaskID,
		Status:              task.Status,
		ResultURL:           task.ResultURL,
		ErrorMessage:        task.ErrorMessage,
		Suggestion:          task.Suggestion,
		ModelUsed:           task.ModelUsed,
		CreatedAt:           task.CreatedAt,
		UpdatedAt:           task.UpdatedAt,
		ProcessingStartedAt: task.ProcessingStartedAt,
		CompletedAt:         task.CompletedAt,
	}
}
