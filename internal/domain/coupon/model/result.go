package model

// CouponSummary 校验结果中返回给前端的公开字段
type CouponSummary struct {
	ID            string       `json:"id"`
	Code          string       `json:"code"`
	Description   string       `json:"description"`
	DiscountType  DiscountType `json:"discountType"`
	DiscountValue float64      `json:"discountValue"`
	PerUserLimit  int          `json:"perUserLimit"`
}

// Summary 提取公开字段
func (c *Coupon) Summary() *CouponSummary {
	return &CouponSummary{
		ID:            c.ID,
		Code:          c.Code,
		Description:   c.Description,
		DiscountType:  c.DiscountType,
		DiscountValue: c.DiscountValue,
		PerUserLimit:  c.PerUserLimit,
	}
}

// ValidationResult 校验结果，不适用时 Valid=false 并附带提示信息
type ValidationResult struct {
	Valid         bool           `json:"valid"`
	RemainingUses int            `json:"remainingUses"`
	Message       string         `json:"message"`
	Coupon        *CouponSummary `json:"coupon,omitempty"`
}

// ApplyResult 核销结果
type ApplyResult struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	UsageCount    int    `json:"usageCount"`
	RemainingUses int    `json:"remainingUses"`
}

// UsageSummary 用户使用情况，仅用于展示
type UsageSummary struct {
	UsageCount    int            `json:"usageCount"`
	RemainingUses int            `json:"remainingUses"`
	Coupon        *CouponSummary `json:"coupon,omitempty"`
}

// RemainingUses 剩余次数，不小于 0
func RemainingUses(perUserLimit, usageCount int) int {
	if r := perUserLimit - usageCount; r > 0 {
		return r
	}
	return 0
}
