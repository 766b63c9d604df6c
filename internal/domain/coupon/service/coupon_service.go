package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coupon_tracker/internal/domain/coupon/model"
	"coupon_tracker/internal/domain/coupon/repository"
	"coupon_tracker/pkg/metrics"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// 返回给用户的提示信息
const (
	MsgInvalidCode      = "Invalid or inactive coupon code"
	MsgExpired          = "This coupon has expired"
	MsgGlobalLimit      = "This coupon has reached its global usage limit"
	MsgApplied          = "Coupon applied successfully"
	MsgCouponNotFound   = "Coupon not found"
	MsgCodeExists       = "Coupon code already exists"
	msgUserLimitFormat  = "You have reached the usage limit for this coupon (%d uses)"
	msgRemainingOne     = "Coupon applied successfully. 1 use remaining."
	msgRemainingFormat  = "Coupon applied successfully. %d uses remaining."
	maxPercentageAmount = 100
)

// CouponService 优惠券核销服务
type CouponService interface {
	// Validate 只读校验，不适用时返回 Valid=false，error 仅表示存储故障
	Validate(ctx context.Context, code, userID string) (*model.ValidationResult, error)
	// Apply 重新校验后原子地记录一次使用
	Apply(ctx context.Context, code, userID string) (*model.ApplyResult, error)
	GetUserUsage(ctx context.Context, userID, code string) (*model.UsageSummary, error)

	CreateCoupon(ctx context.Context, input *CreateCouponInput) (*model.Coupon, error)
	ListCoupons(ctx context.Context) ([]model.Coupon, error)
	UpdateCoupon(ctx context.Context, id string, fields *model.PartialCoupon) (*model.Coupon, error)
	ReconcileCoupon(ctx context.Context, id string) (int, error)
}

// Scheduler 异步对账任务投递
type Scheduler interface {
	Enqueue(couponID string) bool
}

// CreateCouponInput 创建优惠券参数，PerUserLimit 为 0 时取 1
type CreateCouponInput struct {
	Code          string             `json:"code" binding:"required"`
	Description   string             `json:"description"`
	DiscountType  model.DiscountType `json:"discountType" binding:"required"`
	DiscountValue float64            `json:"discountValue" binding:"required"`
	PerUserLimit  int                `json:"perUserLimit"`
	GlobalLimit   *int               `json:"globalLimit"`
	ExpiresAt     *time.Time         `json:"expiresAt"`
}

type couponService struct {
	repo      repository.CouponRepository
	scheduler Scheduler
	logger    *zap.Logger
	metrics   *metrics.MetricsCollector
	now       func() time.Time
}

func NewCouponService(repo repository.CouponRepository, scheduler Scheduler, logger *zap.Logger, collector *metrics.MetricsCollector) CouponService {
	return &couponService{
		repo:      repo,
		scheduler: scheduler,
		logger:    logger,
		metrics:   collector,
		now:       time.Now,
	}
}

func invalid(msg string) *model.ValidationResult {
	return &model.ValidationResult{Valid: false, RemainingUses: 0, Message: msg}
}

func userLimitMessage(perUserLimit int) string {
	return fmt.Sprintf(msgUserLimitFormat, perUserLimit)
}

func remainingMessage(remaining int) string {
	if remaining == 1 {
		return msgRemainingOne
	}
	return fmt.Sprintf(msgRemainingFormat, remaining)
}

// check 依次检查：存在且启用、过期、全局次数、个人次数
func (s *couponService) check(ctx context.Context, code, userID string) (*model.ValidationResult, *model.Coupon, error) {
	code = model.NormalizeCode(code)
	if code == "" {
		return invalid(MsgInvalidCode), nil, nil
	}

	coupon, err := s.repo.FindActiveByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return invalid(MsgInvalidCode), nil, nil
		}
		return nil, nil, err
	}

	if coupon.Expired(s.now()) {
		return invalid(MsgExpired), coupon, nil
	}
	if coupon.GlobalExhausted() {
		return invalid(MsgGlobalLimit), coupon, nil
	}

	usageCount, err := s.usageCount(ctx, userID, coupon.ID)
	if err != nil {
		return nil, nil, err
	}

	remaining := model.RemainingUses(coupon.PerUserLimit, usageCount)
	if remaining <= 0 {
		return invalid(userLimitMessage(coupon.PerUserLimit)), coupon, nil
	}

	return &model.ValidationResult{
		Valid:         true,
		RemainingUses: remaining,
		Message:       remainingMessage(remaining),
		Coupon:        coupon.Summary(),
	}, coupon, nil
}

// usageCount 用户没有使用记录时为 0
func (s *couponService) usageCount(ctx context.Context, userID, couponID string) (int, error) {
	usage, err := s.repo.GetUsage(ctx, userID, couponID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return usage.UsageCount, nil
}

func (s *couponService) Validate(ctx context.Context, code, userID string) (*model.ValidationResult, error) {
	result, _, err := s.check(ctx, code, userID)
	if err != nil {
		s.metrics.RecordCouponValidation("error")
		return nil, err
	}
	if result.Valid {
		s.metrics.RecordCouponValidation("valid")
	} else {
		s.metrics.RecordCouponValidation("invalid")
	}
	return result, nil
}

func (s *couponService) Apply(ctx context.Context, code, userID string) (*model.ApplyResult, error) {
	result, err := s.apply(ctx, code, userID)
	switch {
	case err == nil:
		s.metrics.RecordCouponApplication("success")
	case KindOf(err) != 0:
		s.metrics.RecordCouponApplication("rejected")
	default:
		s.metrics.RecordCouponApplication("error")
	}
	return result, err
}

func (s *couponService) apply(ctx context.Context, code, userID string) (*model.ApplyResult, error) {
	// 1. 不信任调用方，始终重新校验
	validation, coupon, err := s.check(ctx, code, userID)
	if err != nil {
		return nil, err
	}
	if !validation.Valid {
		return nil, badRequest(validation.Message)
	}

	// 2. 重新读取，校验之后可能已被停用
	fresh, err := s.repo.FindByID(ctx, coupon.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound(MsgCouponNotFound)
		}
		return nil, err
	}
	if !fresh.IsActive {
		return nil, notFound(MsgCouponNotFound)
	}

	// 3. 条件原子自增，超限时不会写入
	usage, err := s.repo.IncrementUsage(ctx, fresh, userID, s.now())
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrLimitReached):
			return nil, s.limitError(ctx, fresh, userID)
		case errors.Is(err, repository.ErrCounterDrift):
			if s.scheduler != nil {
				s.scheduler.Enqueue(fresh.ID)
			}
			return nil, pkgerrors.Wrap(err, "apply coupon")
		default:
			return nil, err
		}
	}

	remaining := model.RemainingUses(fresh.PerUserLimit, usage.UsageCount)
	s.logger.Info("coupon applied",
		zap.String("code", fresh.Code),
		zap.String("user_id", userID),
		zap.String("usage", fmt.Sprintf("%d/%d", usage.UsageCount, fresh.PerUserLimit)))

	return &model.ApplyResult{
		Success:       true,
		Message:       MsgApplied,
		UsageCount:    usage.UsageCount,
		RemainingUses: remaining,
	}, nil
}

// ErrApplyContended 条件自增未命中，但当前状态仍可用：并发写入冲突，调用方可重试
var ErrApplyContended = errors.New("coupon usage update contended, retry")

// limitError 并发请求抢先用完次数时，按当前状态给出与校验一致的提示
func (s *couponService) limitError(ctx context.Context, coupon *model.Coupon, userID string) error {
	validation, _, err := s.check(ctx, coupon.Code, userID)
	if err != nil {
		return err
	}
	if !validation.Valid {
		return badRequest(validation.Message)
	}
	return pkgerrors.Wrapf(ErrApplyContended, "apply coupon %s", coupon.Code)
}

func (s *couponService) GetUserUsage(ctx context.Context, userID, code string) (*model.UsageSummary, error) {
	code = model.NormalizeCode(code)
	if code == "" {
		return &model.UsageSummary{}, nil
	}

	coupon, err := s.repo.FindActiveByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &model.UsageSummary{}, nil
		}
		return nil, err
	}

	usageCount, err := s.usageCount(ctx, userID, coupon.ID)
	if err != nil {
		return nil, err
	}
	return &model.UsageSummary{
		UsageCount:    usageCount,
		RemainingUses: model.RemainingUses(coupon.PerUserLimit, usageCount),
		Coupon:        coupon.Summary(),
	}, nil
}

func validateDiscount(t model.DiscountType, value float64) error {
	if !t.Valid() {
		return badRequest("discountType must be percentage or flat")
	}
	if value <= 0 {
		return badRequest("discountValue must be greater than 0")
	}
	if t == model.DiscountPercentage && value > maxPercentageAmount {
		return badRequest("percentage discount cannot exceed 100")
	}
	return nil
}

func validateLimits(perUserLimit int, globalLimit *int) error {
	if perUserLimit < 1 {
		return badRequest("perUserLimit must be at least 1")
	}
	if globalLimit != nil && *globalLimit < 1 {
		return badRequest("globalLimit must be at least 1")
	}
	return nil
}

func (s *couponService) CreateCoupon(ctx context.Context, input *CreateCouponInput) (*model.Coupon, error) {
	code := model.NormalizeCode(input.Code)
	if code == "" {
		return nil, badRequest("code is required")
	}
	perUserLimit := input.PerUserLimit
	if perUserLimit == 0 {
		perUserLimit = 1
	}
	if err := validateDiscount(input.DiscountType, input.DiscountValue); err != nil {
		return nil, err
	}
	if err := validateLimits(perUserLimit, input.GlobalLimit); err != nil {
		return nil, err
	}

	coupon := &model.Coupon{
		Code:          code,
		Description:   input.Description,
		DiscountType:  input.DiscountType,
		DiscountValue: input.DiscountValue,
		PerUserLimit:  perUserLimit,
		GlobalLimit:   input.GlobalLimit,
		TotalUsed:     0,
		IsActive:      true,
		ExpiresAt:     input.ExpiresAt,
	}
	if err := s.repo.Create(ctx, coupon); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, conflict(MsgCodeExists)
		}
		return nil, err
	}
	return coupon, nil
}

func (s *couponService) ListCoupons(ctx context.Context) ([]model.Coupon, error) {
	return s.repo.List(ctx)
}

func (s *couponService) UpdateCoupon(ctx context.Context, id string, fields *model.PartialCoupon) (*model.Coupon, error) {
	current, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound(MsgCouponNotFound)
		}
		return nil, err
	}

	if fields.Code != nil {
		code := model.NormalizeCode(*fields.Code)
		if code == "" {
			return nil, badRequest("code cannot be empty")
		}
		fields.Code = &code
	}

	// 以合并后的值校验
	discountType, discountValue := current.DiscountType, current.DiscountValue
	if fields.DiscountType != nil {
		discountType = *fields.DiscountType
	}
	if fields.DiscountValue != nil {
		discountValue = *fields.DiscountValue
	}
	if err := validateDiscount(discountType, discountValue); err != nil {
		return nil, err
	}

	perUserLimit := current.PerUserLimit
	if fields.PerUserLimit != nil {
		perUserLimit = *fields.PerUserLimit
	}
	globalLimit := current.GlobalLimit
	if fields.ClearGlobalLimit {
		globalLimit = nil
	} else if fields.GlobalLimit != nil {
		globalLimit = fields.GlobalLimit
	}
	if err := validateLimits(perUserLimit, globalLimit); err != nil {
		return nil, err
	}

	updated, err := s.repo.Update(ctx, id, fields)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, notFound(MsgCouponNotFound)
		case errors.Is(err, repository.ErrDuplicate):
			return nil, conflict(MsgCodeExists)
		default:
			return nil, err
		}
	}
	return updated, nil
}

// ReconcileCoupon 同步执行一次对账，返回修正后的 total_used
func (s *couponService) ReconcileCoupon(ctx context.Context, id string) (int, error) {
	total, err := s.repo.ReconcileTotalUsed(ctx, id)
	s.metrics.RecordReconciliation(err == nil)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, notFound(MsgCouponNotFound)
		}
		return 0, err
	}
	return total, nil
}
