package common

import (
	"context"
	"net/http"
	"time"

	"coupon_tracker/internal/pkg/registry"
	"coupon_tracker/pkg/metrics"

	"github.com/gin-gonic/gin"
)

// CommonModule 通用功能模块：健康检查与指标
type CommonModule struct{}

func init() {
	registry.Register(&CommonModule{})
}

func (m *CommonModule) Name() string {
	return "common"
}

func (m *CommonModule) Priority() int {
	return 100 // 最后初始化
}

func (m *CommonModule) Init(ctx *registry.ModuleContext) error {
	r := ctx.Router
	r.GET("/health", healthHandler(ctx))
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	return nil
}

// healthHandler 检查当前存储与 Redis 是否可用
func healthHandler(mctx *registry.ModuleContext) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		checks := gin.H{}
		healthy := true
		record := func(name string, err error) {
			if err != nil {
				checks[name] = err.Error()
				healthy = false
				return
			}
			checks[name] = "ok"
		}

		if mctx.DB != nil {
			sqlDB, err := mctx.DB.DB()
			if err == nil {
				err = sqlDB.PingContext(ctx)
			}
			record("postgres", err)
		}
		if mctx.Mongo != nil {
			record("mongo", mctx.Mongo.Client().Ping(ctx, nil))
		}
		if mctx.Redis != nil {
			record("redis", mctx.Redis.Ping(ctx).Err())
		}

		if !healthy {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": checks})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": checks})
	}
}
