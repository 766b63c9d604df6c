package repository

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"coupon_tracker/internal/domain/coupon/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// newMongoRepo 连接 MONGO_URI 指向的实例，每个测试使用独立的数据库
func newMongoRepo(t *testing.T) (CouponRepository, *mongo.Database) {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set")
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri).SetServerSelectionTimeout(5 * time.Second))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, client.Ping(ctx, nil))

	db := client.Database("coupon_test_" + uuid.New().String()[:8])
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})

	require.NoError(t, EnsureIndexes(ctx, db))
	return NewMongoCouponRepository(db), db
}

func createMongoCoupon(t *testing.T, repo CouponRepository, code string, perUser int, global *int) *model.Coupon {
	coupon := &model.Coupon{
		Code:          code,
		DiscountType:  model.DiscountFlat,
		DiscountValue: 5,
		PerUserLimit:  perUser,
		GlobalLimit:   global,
		IsActive:      true,
	}
	require.NoError(t, repo.Create(context.Background(), coupon))
	return coupon
}

func TestMongoEnsureIndexes(t *testing.T) {
	repo, db := newMongoRepo(t)
	ctx := context.Background()

	// 重复执行不报错
	require.NoError(t, EnsureIndexes(ctx, db))

	createMongoCoupon(t, repo, "UNIQUE1", 1, nil)
	err := repo.Create(ctx, &model.Coupon{Code: "UNIQUE1", DiscountType: model.DiscountFlat, DiscountValue: 1, PerUserLimit: 1, IsActive: true})
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = db.Collection(colCouponUsages).InsertMany(ctx, []interface{}{
		bson.M{"_id": "u-1", "userId": "user-1", "couponId": "c-1", "usageCount": 1},
		bson.M{"_id": "u-2", "userId": "user-1", "couponId": "c-1", "usageCount": 1},
	})
	assert.True(t, mongo.IsDuplicateKeyError(err))
}

func TestMongoIncrementUsage(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("First insert then increment to the limit", func(t *testing.T) {
		repo, _ := newMongoRepo(t)
		coupon := createMongoCoupon(t, repo, "TWICE", 2, nil)

		first, err := repo.IncrementUsage(ctx, coupon, "user-1", now)
		require.NoError(t, err)
		assert.Equal(t, 1, first.UsageCount)
		assert.NotEmpty(t, first.ID)
		assert.Equal(t, "user-1", first.UserID)
		assert.Equal(t, coupon.ID, first.CouponID)

		second, err := repo.IncrementUsage(ctx, coupon, "user-1", now)
		require.NoError(t, err)
		assert.Equal(t, 2, second.UsageCount)
		assert.Equal(t, first.ID, second.ID)

		_, err = repo.IncrementUsage(ctx, coupon, "user-1", now)
		assert.ErrorIs(t, err, ErrLimitReached)

		usage, err := repo.GetUsage(ctx, "user-1", coupon.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, usage.UsageCount)

		stored, err := repo.FindByID(ctx, coupon.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, stored.TotalUsed)
	})

	t.Run("Global exhaustion rolls back the usage row", func(t *testing.T) {
		repo, _ := newMongoRepo(t)
		limit := 1
		coupon := createMongoCoupon(t, repo, "ONLYONE", 3, &limit)

		_, err := repo.IncrementUsage(ctx, coupon, "user-1", now)
		require.NoError(t, err)

		_, err = repo.IncrementUsage(ctx, coupon, "user-2", now)
		assert.ErrorIs(t, err, ErrLimitReached)

		usage, err := repo.GetUsage(ctx, "user-2", coupon.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, usage.UsageCount)

		stored, err := repo.FindByID(ctx, coupon.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, stored.TotalUsed)
	})

	t.Run("Concurrent first inserts for one user all succeed", func(t *testing.T) {
		repo, _ := newMongoRepo(t)
		const workers = 8
		coupon := createMongoCoupon(t, repo, "RACE", workers, nil)

		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.IncrementUsage(ctx, coupon, "user-1", now)
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			assert.NoError(t, err)
		}
		usage, err := repo.GetUsage(ctx, "user-1", coupon.ID)
		require.NoError(t, err)
		assert.Equal(t, workers, usage.UsageCount)
	})

	t.Run("Concurrent applies never exceed the per-user limit", func(t *testing.T) {
		repo, _ := newMongoRepo(t)
		coupon := createMongoCoupon(t, repo, "CAPPED", 3, nil)

		var wg sync.WaitGroup
		var mu sync.Mutex
		succeeded := 0
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.IncrementUsage(ctx, coupon, "user-1", now)
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, ErrLimitReached)
			}()
		}
		wg.Wait()

		assert.Equal(t, 3, succeeded)
		stored, err := repo.FindByID(ctx, coupon.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, stored.TotalUsed)
	})
}

func TestMongoReconcileTotalUsed(t *testing.T) {
	repo, db := newMongoRepo(t)
	ctx := context.Background()
	coupon := createMongoCoupon(t, repo, "DRIFT", 5, nil)

	for _, user := range []string{"user-1", "user-1", "user-2"} {
		_, err := repo.IncrementUsage(ctx, coupon, user, time.Now())
		require.NoError(t, err)
	}
	// 模拟计数漂移
	_, err := db.Collection(colCoupons).UpdateOne(ctx, bson.M{"_id": coupon.ID}, bson.M{"$set": bson.M{"totalUsed": 9}})
	require.NoError(t, err)

	total, err := repo.ReconcileTotalUsed(ctx, coupon.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	stored, err := repo.FindByID(ctx, coupon.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.TotalUsed)

	_, err = repo.ReconcileTotalUsed(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
