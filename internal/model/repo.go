package model

import (
	"artgen/internal/entity"
	"context"
	"time"
)

// Repository 定义数据库操作接口
type Repository interface {
	// 用户管理
	CreateUser(ctx context.Context, user *entity.DbUser) error
	GetUserByEmail(ctx context.Context, email string) (*entity.DbUser, error)
	GetUserByID(ctx context.Context, id uint) (*entity.DbUser, error)
	CountUsers(ctx context.Context) (int64, error)

	// 积分余额
	GetCreditBalance(ctx context.Context, userID uint) (*entity.DbCreditBalance, error)
	EnsureCreditBalance(ctx context.Context, userID uint, defaultGrant int) (*entity.DbCreditBalance, error)
	DebitCredits(ctx context.Context, userID uint, amount int) error
	CreditCredits(ctx context.Context, userID uint, amount int) error

	// 生成任务
	CreateTask(ctx context.Context, task *entity.DbGenerationTask) error
	GetTask(ctx context.Context, taskID string) (*entity.DbGenerationTask, error)
	UpdateTask(ctx context.Context, taskID string, updates entity.TaskUpdates) error
	FinalizeTask(ctx context.Context, taskID string, updates entity.TaskUpdates) (bool, error)
	ClaimTask(ctx context.Context, taskID string, startedAt time.Time) (bool, error)
	RequestTaskCancel(ctx context.Context, taskID string) (bool, error)
	MarkTaskRefunded(ctx context.Context, taskID string) (bool, error)
	ListStalledTasks(ctx context.Context, olderThan time.Time) ([]entity.DbGenerationTask, error)

	// 生成历史
	CreateHistoryEntry(ctx context.Context, entry *entity.DbHistoryEntry, maxEntries int) error
	ListHistory(ctx context.Context, params *entity.HistoryQuery) ([]entity.DbHistoryEntry, *entity.Meta, error)
	CountHistory(ctx context.Context, userID uint) (int64, error)
}
