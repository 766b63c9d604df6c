package repository

import (
	"context"
	"errors"
	"time"

	"coupon_tracker/internal/domain/coupon/model"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate 优惠码已存在
	ErrDuplicate = errors.New("duplicate coupon code")
	// ErrLimitReached 条件自增未命中：个人或全局次数已用完
	ErrLimitReached = errors.New("usage limit reached")
	// ErrCounterDrift 用户计数已增加但全局计数未能同步，需要对账
	ErrCounterDrift = errors.New("coupon counters drifted")
)

// CouponRepository 优惠券存储，postgres 与 mongo 各有一个实现
type CouponRepository interface {
	Create(ctx context.Context, coupon *model.Coupon) error
	FindByID(ctx context.Context, id string) (*model.Coupon, error)
	FindActiveByCode(ctx context.Context, code string) (*model.Coupon, error)
	List(ctx context.Context) ([]model.Coupon, error)
	Update(ctx context.Context, id string, fields *model.PartialCoupon) (*model.Coupon, error)

	GetUsage(ctx context.Context, userID, couponID string) (*model.CouponUsage, error)
	// IncrementUsage 原子地增加用户计数和全局计数，任一条件不满足返回 ErrLimitReached
	IncrementUsage(ctx context.Context, coupon *model.Coupon, userID string, now time.Time) (*model.CouponUsage, error)
	// ReconcileTotalUsed 用所有用户计数之和重写 total_used
	ReconcileTotalUsed(ctx context.Context, couponID string) (int, error)
}

type couponRepository struct {
	db *gorm.DB
}

func NewCouponRepository(db *gorm.DB) CouponRepository {
	return &couponRepository{db: db}
}

func translate(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	default:
		return pkgerrors.Wrap(err, op)
	}
}

func (r *couponRepository) Create(ctx context.Context, coupon *model.Coupon) error {
	coupon.EnsureID()
	return translate(r.db.WithContext(ctx).Create(coupon).Error, "create coupon")
}

func (r *couponRepository) FindByID(ctx context.Context, id string) (*model.Coupon, error) {
	var coupon model.Coupon
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&coupon).Error; err != nil {
		return nil, translate(err, "find coupon by id")
	}
	return &coupon, nil
}

func (r *couponRepository) FindActiveByCode(ctx context.Context, code string) (*model.Coupon, error) {
	var coupon model.Coupon
	err := r.db.WithContext(ctx).
		Where("code = ? AND is_active = ?", code, true).
		First(&coupon).Error
	if err != nil {
		return nil, translate(err, "find active coupon")
	}
	return &coupon, nil
}

func (r *couponRepository) List(ctx context.Context) ([]model.Coupon, error) {
	var coupons []model.Coupon
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&coupons).Error; err != nil {
		return nil, translate(err, "list coupons")
	}
	return coupons, nil
}

func partialColumns(fields *model.PartialCoupon) map[string]interface{} {
	cols := make(map[string]interface{})
	if fields.Code != nil {
		cols["code"] = *fields.Code
	}
	if fields.Description != nil {
		cols["description"] = *fields.Description
	}
	if fields.DiscountType != nil {
		cols["discount_type"] = *fields.DiscountType
	}
	if fields.DiscountValue != nil {
		cols["discount_value"] = *fields.DiscountValue
	}
	if fields.PerUserLimit != nil {
		cols["per_user_limit"] = *fields.PerUserLimit
	}
	if fields.ClearGlobalLimit {
		cols["global_limit"] = nil
	} else if fields.GlobalLimit != nil {
		cols["global_limit"] = *fields.GlobalLimit
	}
	if fields.IsActive != nil {
		cols["is_active"] = *fields.IsActive
	}
	if fields.ClearExpiresAt {
		cols["expires_at"] = nil
	} else if fields.ExpiresAt != nil {
		cols["expires_at"] = *fields.ExpiresAt
	}
	return cols
}

func (r *couponRepository) Update(ctx context.Context, id string, fields *model.PartialCoupon) (*model.Coupon, error) {
	cols := partialColumns(fields)
	if len(cols) == 0 {
		return r.FindByID(ctx, id)
	}
	cols["updated_at"] = time.Now()

	result := r.db.WithContext(ctx).Model(&model.Coupon{}).Where("id = ?", id).Updates(cols)
	if result.Error != nil {
		return nil, translate(result.Error, "update coupon")
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return r.FindByID(ctx, id)
}

func (r *couponRepository) GetUsage(ctx context.Context, userID, couponID string) (*model.CouponUsage, error) {
	var usage model.CouponUsage
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND coupon_id = ?", userID, couponID).
		First(&usage).Error
	if err != nil {
		return nil, translate(err, "get coupon usage")
	}
	return &usage, nil
}

// 不存在则插入 usage_count=1，存在且未超限则 +1；超限时 WHERE 不命中，不返回行
const upsertUsageSQL = `
INSERT INTO coupon_usages (id, user_id, coupon_id, usage_count, last_used_at, created_at, updated_at)
VALUES (?, ?, ?, 1, ?, ?, ?)
ON CONFLICT (user_id, coupon_id) DO UPDATE
SET usage_count = coupon_usages.usage_count + 1,
    last_used_at = EXCLUDED.last_used_at,
    updated_at = EXCLUDED.updated_at
WHERE coupon_usages.usage_count < ?
RETURNING id, user_id, coupon_id, usage_count, last_used_at, created_at, updated_at`

// IncrementUsage 两个计数在同一事务内条件自增
func (r *couponRepository) IncrementUsage(ctx context.Context, coupon *model.Coupon, userID string, now time.Time) (*model.CouponUsage, error) {
	var usage model.CouponUsage

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Raw(upsertUsageSQL,
			uuid.New().String(), userID, coupon.ID, now, now, now, coupon.PerUserLimit,
		).Scan(&usage)
		if res.Error != nil {
			return pkgerrors.Wrap(res.Error, "increment coupon usage")
		}
		if res.RowsAffected == 0 {
			return ErrLimitReached
		}

		// 乐观条件更新全局计数
		res = tx.Model(&model.Coupon{}).
			Where("id = ?", coupon.ID).
			Where("global_limit IS NULL OR total_used < global_limit").
			UpdateColumns(map[string]interface{}{
				"total_used": gorm.Expr("total_used + 1"),
				"updated_at": now,
			})
		if res.Error != nil {
			return pkgerrors.Wrap(res.Error, "increment coupon total")
		}
		if res.RowsAffected == 0 {
			return ErrLimitReached
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &usage, nil
}

const reconcileSQL = `
UPDATE coupons
SET total_used = (SELECT COALESCE(SUM(usage_count), 0) FROM coupon_usages WHERE coupon_id = ?),
    updated_at = ?
WHERE id = ?
RETURNING total_used`

func (r *couponRepository) ReconcileTotalUsed(ctx context.Context, couponID string) (int, error) {
	var totals []int
	res := r.db.WithContext(ctx).Raw(reconcileSQL, couponID, time.Now(), couponID).Scan(&totals)
	if res.Error != nil {
		return 0, pkgerrors.Wrap(res.Error, "reconcile coupon total")
	}
	if len(totals) == 0 {
		return 0, ErrNotFound
	}
	return totals[0], nil
}
