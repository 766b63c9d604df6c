package service

import (
	"context"
	"time"

	"coupon_tracker/internal/domain/coupon/model"
	"coupon_tracker/pkg/cache"
	"coupon_tracker/pkg/metrics"

	"go.uber.org/zap"
)

// 缓存键常量
const (
	CouponListCacheKey = "coupon_list"
	CouponListCacheTTL = time.Minute * 5
)

// CachedCouponService 为后台列表加缓存的装饰器
// 校验与核销始终直接读存储，计数不能用缓存值
type CachedCouponService struct {
	CouponService
	cache   cache.CacheService
	ttl     time.Duration
	logger  *zap.Logger
	metrics *metrics.MetricsCollector
}

// NewCachedCouponService 创建带缓存的优惠券服务，ttl<=0 时使用默认值
func NewCachedCouponService(inner CouponService, cache cache.CacheService, ttl time.Duration, logger *zap.Logger, collector *metrics.MetricsCollector) CouponService {
	if ttl <= 0 {
		ttl = CouponListCacheTTL
	}
	return &CachedCouponService{
		CouponService: inner,
		cache:         cache,
		ttl:           ttl,
		logger:        logger,
		metrics:       collector,
	}
}

// invalidateListCache 缓存失效失败不影响业务，只记录日志
func (s *CachedCouponService) invalidateListCache(ctx context.Context) {
	if err := s.cache.Delete(ctx, CouponListCacheKey); err != nil {
		s.logger.Warn("failed to invalidate coupon list cache", zap.Error(err))
	}
}

// ListCoupons 获取优惠券列表（带缓存）
func (s *CachedCouponService) ListCoupons(ctx context.Context) ([]model.Coupon, error) {
	var coupons []model.Coupon
	if err := s.cache.Get(ctx, CouponListCacheKey, &coupons); err == nil {
		s.metrics.RecordCacheOperation(CouponListCacheKey, true)
		return coupons, nil
	}
	s.metrics.RecordCacheOperation(CouponListCacheKey, false)

	coupons, err := s.CouponService.ListCoupons(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, CouponListCacheKey, coupons, s.ttl); err != nil {
		s.logger.Warn("failed to cache coupon list", zap.Error(err))
	}
	return coupons, nil
}

// CreateCoupon 创建优惠券（带缓存失效）
func (s *CachedCouponService) CreateCoupon(ctx context.Context, input *CreateCouponInput) (*model.Coupon, error) {
	coupon, err := s.CouponService.CreateCoupon(ctx, input)
	if err != nil {
		return nil, err
	}
	s.invalidateListCache(ctx)
	return coupon, nil
}

// UpdateCoupon 更新优惠券（带缓存失效）
func (s *CachedCouponService) UpdateCoupon(ctx context.Context, id string, fields *model.PartialCoupon) (*model.Coupon, error) {
	coupon, err := s.CouponService.UpdateCoupon(ctx, id, fields)
	if err != nil {
		return nil, err
	}
	s.invalidateListCache(ctx)
	return coupon, nil
}

// Apply 核销成功后 total_used 变化，列表缓存失效
func (s *CachedCouponService) Apply(ctx context.Context, code, userID string) (*model.ApplyResult, error) {
	result, err := s.CouponService.Apply(ctx, code, userID)
	if err != nil {
		return nil, err
	}
	s.invalidateListCache(ctx)
	return result, nil
}

func (s *CachedCouponService) ReconcileCoupon(ctx context.Context, id string) (int, error) {
	total, err := s.CouponService.ReconcileCoupon(ctx, id)
	if err != nil {
		return 0, err
	}
	s.invalidateListCache(ctx)
	return total, nil
}
