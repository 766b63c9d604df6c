package coupon

import (
	"context"
	"time"

	"coupon_tracker/internal/domain/coupon/handler"
	"coupon_tracker/internal/domain/coupon/repository"
	"coupon_tracker/internal/domain/coupon/service"
	"coupon_tracker/internal/pkg/config"
	"coupon_tracker/internal/pkg/middleware"
	"coupon_tracker/internal/pkg/registry"
	"coupon_tracker/internal/pkg/worker"
	"coupon_tracker/pkg/cache"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// 缓存键前缀
const cachePrefix = "coupon_tracker:"

// CouponModule 优惠券模块
type CouponModule struct{}

func init() {
	registry.Register(&CouponModule{})
}

func (m *CouponModule) Name() string {
	return "coupon"
}

func (m *CouponModule) Priority() int {
	return 10
}

// newRepository 按配置选择存储实现
func newRepository(ctx *registry.ModuleContext) repository.CouponRepository {
	if ctx.Config.Coupon.Store == config.StoreMongo {
		return repository.NewMongoCouponRepository(ctx.Mongo)
	}
	return repository.NewCouponRepository(ctx.DB)
}

func (m *CouponModule) Init(ctx *registry.ModuleContext) error {
	cfg := ctx.Config.Coupon
	log := ctx.Logger.Named("coupon")

	// 1. 依赖注入
	repo := newRepository(ctx)
	listCache := cache.NewRedisCache(ctx.Redis, cachePrefix)

	// 对账 Worker Pool，计数不一致时由服务投递任务
	pool := worker.NewWorkerPool(repo, log, cfg.ReconcileWorkers, cfg.ReconcileQueue)
	pool.OnResult(func(task worker.ReconcileTask, total int, err error) {
		ctx.Metrics.RecordReconciliation(err == nil)
		if err != nil {
			return
		}
		cctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if derr := listCache.Delete(cctx, service.CouponListCacheKey); derr != nil {
			log.Warn("failed to invalidate coupon list cache", zap.Error(derr))
		}
	})
	pool.Start()
	ctx.OnShutdown(pool.Stop)

	cService := service.NewCouponService(repo, pool, log, ctx.Metrics)
	cService = service.NewCachedCouponService(cService, listCache, cfg.ListCacheTTL, log, ctx.Metrics)
	cHandler := handler.NewCouponHandler(cService)

	// 2. 路由注册
	setupRoutes(ctx.Router, cHandler, ctx.Config.JWT.Secret)

	log.Info("coupon module ready", zap.String("store", cfg.Store))
	return nil
}

func setupRoutes(r *gin.Engine, h *handler.CouponHandler, secret string) {
	// 需要认证的路由组
	authorized := r.Group("/coupons")
	authorized.Use(middleware.AuthMiddleware(secret))
	{
		authorized.POST("/validate", h.Validate)
		authorized.POST("/apply", h.Apply)
		authorized.GET("/usage", h.GetUsage)
	}

	// 需要管理员权限的路由组
	admin := r.Group("/admin/coupons")
	admin.Use(middleware.AuthMiddleware(secret), middleware.AdminMiddleware())
	{
		admin.POST("", h.CreateCoupon)
		admin.GET("", h.ListCoupons)
		admin.PUT("/:id", h.UpdateCoupon)
		admin.POST("/:id/reconcile", h.ReconcileCoupon)
	}
}
