package model

import (
	"strings"
	"time"

	baseModel "coupon_tracker/pkg/model"
)

// DiscountType 折扣类型
type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFlat       DiscountType = "flat"
)

// Valid 是否为已知的折扣类型
func (t DiscountType) Valid() bool {
	return t == DiscountPercentage || t == DiscountFlat
}

// Coupon 优惠券定义及全局计数
type Coupon struct {
	baseModel.BaseModel `bson:",inline"`

	Code          string       `gorm:"type:varchar(64);uniqueIndex;not null" json:"code" bson:"code"`
	Description   string       `gorm:"type:text" json:"description" bson:"description"`
	DiscountType  DiscountType `gorm:"type:varchar(16);not null" json:"discountType" bson:"discountType"`
	DiscountValue float64      `gorm:"not null" json:"discountValue" bson:"discountValue"`
	PerUserLimit  int          `gorm:"not null" json:"perUserLimit" bson:"perUserLimit"`
	GlobalLimit   *int         `json:"globalLimit,omitempty" bson:"globalLimit,omitempty"` // nil 表示不限
	TotalUsed     int          `gorm:"not null" json:"totalUsed" bson:"totalUsed"`
	IsActive      bool         `gorm:"not null;index" json:"isActive" bson:"isActive"`
	ExpiresAt     *time.Time   `json:"expiresAt,omitempty" bson:"expiresAt,omitempty"` // nil 表示永不过期
}

func (Coupon) TableName() string {
	return "coupons"
}

// Expired 在 now 时刻是否已过期
func (c *Coupon) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// GlobalExhausted 全局次数是否已用完
func (c *Coupon) GlobalExhausted() bool {
	return c.GlobalLimit != nil && c.TotalUsed >= *c.GlobalLimit
}

// CouponUsage 用户对某张优惠券的使用计数，(user_id, coupon_id) 唯一
type CouponUsage struct {
	baseModel.BaseModel `bson:",inline"`

	UserID     string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_coupon_usage_user_coupon" json:"userId" bson:"userId"`
	CouponID   string    `gorm:"type:uuid;not null;uniqueIndex:idx_coupon_usage_user_coupon;index" json:"couponId" bson:"couponId"`
	UsageCount int       `gorm:"not null" json:"usageCount" bson:"usageCount"`
	LastUsedAt time.Time `gorm:"not null" json:"lastUsedAt" bson:"lastUsedAt"`
}

func (CouponUsage) TableName() string {
	return "coupon_usages"
}

// PartialCoupon 管理后台的部分更新，nil 字段保持不变
type PartialCoupon struct {
	Code          *string       `json:"code,omitempty"`
	Description   *string       `json:"description,omitempty"`
	DiscountType  *DiscountType `json:"discountType,omitempty"`
	DiscountValue *float64      `json:"discountValue,omitempty"`
	PerUserLimit  *int          `json:"perUserLimit,omitempty"`
	GlobalLimit   *int          `json:"globalLimit,omitempty"`
	IsActive      *bool         `json:"isActive,omitempty"`
	ExpiresAt     *time.Time    `json:"expiresAt,omitempty"`
	// 显式清空可选字段
	ClearGlobalLimit bool `json:"clearGlobalLimit,omitempty"`
	ClearExpiresAt   bool `json:"clearExpiresAt,omitempty"`
}

// Empty 是否没有任何需要更新的字段
func (p *PartialCoupon) Empty() bool {
	return p.Code == nil && p.Description == nil && p.DiscountType == nil &&
		p.DiscountValue == nil && p.PerUserLimit == nil && p.GlobalLimit == nil &&
		p.IsActive == nil && p.ExpiresAt == nil && !p.ClearGlobalLimit && !p.ClearExpiresAt
}

// NormalizeCode 统一优惠码格式：去首尾空白并转大写
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
