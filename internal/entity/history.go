package entity

import "time"

// DbHistoryEntry 生成成功后的历史记录，按用户限量，超出后按时间淘汰最旧的。
type DbHistoryEntry struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	UserID      uint   `gorm:"column:user_id;index;not null" json:"user_id"`
	Prompt      string `gorm:"column:prompt;type:text" json:"prompt"`
	ImageURL    string `gorm:"column:image_url;type:text" json:"image_url"`
	StoredPath  string `gorm:"column:stored_path;type:text" json:"stored_path,omitempty"`
	Style       string `gorm:"column:style;type:varchar(64)" json:"style"`
	AspectRatio string `gorm:"column:aspect_ratio;type:varchar(16)" json:"aspect_ratio"`
	ModelUsed   string `gorm:"column:model_used;type:varchar(128)" json:"model_used"`
}

// TableName 指定表名
func (DbHistoryEntry) TableName() string {
	return "generation_history"
}

// HistoryQuery supports listing history entries with pagination.
type HistoryQuery struct {
	BaseParams
	UserID uint `json:"-"`
}

// HistoryListResponse 历史记录列表响应
type HistoryListResponse struct {
	Entries []DbHistoryEntry `json:"entries"`
	Meta    *Meta            `json:"meta"`
}
