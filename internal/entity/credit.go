package entity

import (
	"errors"
	"time"
)

// ErrInsufficientCredits 余额不足，条件扣减未命中任何行时返回。
var ErrInsufficientCredits = errors.New("insufficient credits")

// DbCreditBalance 每个用户一行的积分余额。
// 首次生成时按默认额度懒创建，之后只做原子加减，永不删除。
type DbCreditBalance struct {
	UserID    uint      `gorm:"column:user_id;primarykey;autoIncrement:false" json:"user_id"`
	Credits   int       `gorm:"column:credits;not null;default:0" json:"credits"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (DbCreditBalance) TableName() string {
	return "credit_balances"
}

// CreditBalanceResponse is returned by the credits endpoint.
type CreditBalanceResponse struct {
	Credits int `json:"credits"`
}
