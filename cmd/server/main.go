package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "coupon_tracker/internal/domain/common"
	_ "coupon_tracker/internal/domain/coupon"
	"coupon_tracker/internal/domain/coupon/repository"
	"coupon_tracker/internal/pkg/config"
	"coupon_tracker/internal/pkg/middleware"
	"coupon_tracker/internal/pkg/registry"
	"coupon_tracker/pkg/database"
	"coupon_tracker/pkg/logger"
	"coupon_tracker/pkg/metrics"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	// 1. 配置与日志
	config.LoadConfig()
	cfg := &config.GlobalConfig

	zlog, err := logger.InitLogger(cfg.App.Env, cfg.App.Debug)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Sync()

	// 2. 存储
	mctx := &registry.ModuleContext{
		Config:  cfg,
		Logger:  zlog,
		Metrics: metrics.GetGlobalCollector(),
	}
	if err := connectStores(mctx); err != nil {
		zlog.Fatal("failed to connect stores", zap.Error(err))
	}

	// 3. 路由与中间件
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(
		gin.Recovery(),
		cors.Default(),
		middleware.TraceMiddleware(),
		middleware.LoggerMiddleware(zlog),
		middleware.MetricsMiddleware(mctx.Metrics),
		middleware.RateLimitMiddleware(middleware.NewIPRateLimiter(rate.Limit(cfg.Server.RateLimit), cfg.Server.RateBurst)),
	)
	mctx.Router = r

	// 4. 模块初始化
	if err := registry.InitModules(mctx); err != nil {
		zlog.Fatal("failed to init modules", zap.Error(err))
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		zlog.Info("coupon tracker listening", zap.String("addr", srv.Addr), zap.String("store", cfg.Coupon.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("listen", zap.Error(err))
		}
	}()

	// 5. 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		zlog.Error("http server shutdown", zap.Error(err))
	}
	mctx.Shutdown()
	zlog.Info("server stopped")
}

// connectStores 连接所选的优惠券存储以及 Redis，并注册关闭回调
func connectStores(mctx *registry.ModuleContext) error {
	cfg := mctx.Config

	switch cfg.Coupon.Store {
	case config.StoreMongo:
		db, err := database.InitMongo(context.Background(), cfg.Mongo, mctx.Logger)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := repository.EnsureIndexes(ctx, db); err != nil {
			return err
		}
		mctx.Mongo = db
		mctx.OnShutdown(func() { _ = db.Client().Disconnect(context.Background()) })
	default:
		db, err := database.InitDatabase(cfg.Database, cfg.App.Debug, mctx.Logger)
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		prometheus.MustRegister(collectors.NewDBStatsCollector(sqlDB, cfg.Database.DBName))
		mctx.DB = db
		mctx.OnShutdown(func() { _ = sqlDB.Close() })
	}

	rdb, err := database.InitRedis(cfg.Redis, mctx.Logger)
	if err != nil {
		return err
	}
	mctx.Redis = rdb
	mctx.OnShutdown(func() { _ = rdb.Close() })
	return nil
}
