package entity

import "time"

// 任务状态，终态不可逆
const (
	TaskStatusPending    = "pending"
	TaskStatusProcessing = "processing"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
	TaskStatusCancelled  = "cancelled"
)

// IsTerminalTaskStatus 判断任务状态是否为终态。
func IsTerminalTaskStatus(status string) bool {
	switch status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// DbGenerationTask stores the lifecycle row of one generation submission.
type DbGenerationTask struct {
	ID        uint      `gorm:"primarykey" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	TaskID string `gorm:"column:task_id;type:varchar(64);uniqueIndex;not null" json:"task_id"`
	UserID uint   `gorm:"column:user_id;index;not null" json:"user_id"`
	User   *DbUser `gorm:"foreignKey:UserID" json:"-"`

	Prompt      string `gorm:"column:prompt;type:text" json:"prompt"`
	Style       string `gorm:"column:style;type:varchar(64)" json:"style"`
	AspectRatio string `gorm:"column:aspect_ratio;type:varchar(16)" json:"aspect_ratio"`
	InputImage  string `gorm:"column:input_image;type:text" json:"input_image,omitempty"`

	Status       string `gorm:"column:status;type:varchar(20);index;not null;default:pending" json:"status"`
	ResultURL    string `gorm:"column:result_url;type:text" json:"result_url,omitempty"`
	ErrorMessage string `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	Suggestion   string `gorm:"column:suggestion;type:text" json:"suggestion,omitempty"`
	ModelUsed    string `gorm:"column:model_used;type:varchar(128)" json:"model_used,omitempty"`

	CreditsDeducted bool `gorm:"column:credits_deducted;not null;default:false" json:"credits_deducted"`
	CreditsRefunded bool `gorm:"column:credits_refunded;not null;default:false" json:"credits_refunded"`
	CancelRequested bool `gorm:"column:cancel_requested;not null;default:false" json:"cancel_requested"`

	ProcessingStartedAt *time.Time `gorm:"column:processing_started_at" json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

// TableName 指定表名
func (DbGenerationTask) TableName() string {
	return "generation_tasks"
}

// TaskUpdates 任务更新字段
type TaskUpdates struct {
	Status              *string
	ResultURL           *string
	ErrorMessage        *string
	Suggestion          *string
	ModelUsed           *string
	CreditsDeducted     *bool
	CancelRequested     *bool
	ProcessingStartedAt *time.Time
	CompletedAt         *time.Time
}

// ToMap 转换为 GORM 更新 map（内部使用）
func (u TaskUpdates) ToMap() map[string]interface{} {
	updates := make(map[string]interface{})
	if u.Status != nil {
		updates["status"] = *u.Status
	}
	if u.ResultURL != nil {
		updates["result_url"] = *u.ResultURL
	}
	if u.ErrorMessage != nil {
		updates["error_message"] = *u.ErrorMessage
	}
	if u.Suggestion != nil {
		updates["suggestion"] = *u.Suggestion
	}
	if u.ModelUsed != nil {
		updates["model_used"] = *u.ModelUsed
	}
	if u.CreditsDeducted != nil {
		updates["credits_deducted"] = *u.CreditsDeducted
	}
	if u.CancelRequested != nil {
		updates["cancel_requested"] = *u.CancelRequested
	}
	if u.ProcessingStartedAt != nil {
		updates["processing_started_at"] = *u.ProcessingStartedAt
	}
	if u.CompletedAt != nil {
		updates["completed_at"] = *u.CompletedAt
	}
	return updates
}

// IsEmpty 检查是否没有任何更新字段
func (u TaskUpdates) IsEmpty() bool {
	return len(u.ToMap()) == 0
}
