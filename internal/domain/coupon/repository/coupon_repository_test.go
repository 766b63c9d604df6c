package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"coupon_tracker/internal/domain/coupon/model"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockRepo(t *testing.T) (CouponRepository, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return NewCouponRepository(db), mock
}

var couponColumns = []string{
	"id", "code", "description", "discount_type", "discount_value", "per_user_limit",
	"global_limit", "total_used", "is_active", "expires_at", "created_at", "updated_at",
}

var usageColumns = []string{"id", "user_id", "coupon_id", "usage_count", "last_used_at", "created_at", "updated_at"}

func testCoupon() *model.Coupon {
	c := &model.Coupon{Code: "SAVE10", DiscountType: model.DiscountPercentage, DiscountValue: 10, PerUserLimit: 2, IsActive: true}
	c.ID = "7f1c7a52-3f0e-4a53-9a8e-0c3c5b7f2a10"
	return c
}

func TestFindActiveByCode(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("Found", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(`SELECT \* FROM "coupons" WHERE code = \$1 AND is_active = \$2`).
			WillReturnRows(sqlmock.NewRows(couponColumns).
				AddRow("c-1", "SAVE10", "10% off", "percentage", 10.0, 2, nil, 3, true, nil, now, now))

		coupon, err := repo.FindActiveByCode(ctx, "SAVE10")

		require.NoError(t, err)
		assert.Equal(t, "c-1", coupon.ID)
		assert.Equal(t, 3, coupon.TotalUsed)
		assert.Nil(t, coupon.GlobalLimit)
		assert.Nil(t, coupon.ExpiresAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Missing maps to ErrNotFound", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(`SELECT \* FROM "coupons" WHERE code = \$1 AND is_active = \$2`).
			WillReturnRows(sqlmock.NewRows(couponColumns))

		_, err := repo.FindActiveByCode(ctx, "NOPE")

		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestGetUsageNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(`SELECT \* FROM "coupon_usages" WHERE user_id = \$1 AND coupon_id = \$2`).
		WillReturnRows(sqlmock.NewRows(usageColumns))

	_, err := repo.GetUsage(context.Background(), "user-1", "c-1")

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestList(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()
	mock.ExpectQuery(`SELECT \* FROM "coupons" ORDER BY created_at DESC`).
		WillReturnRows(sqlmock.NewRows(couponColumns).
			AddRow("c-2", "NEWER", "", "flat", 5.0, 1, 10, 0, true, nil, now, now).
			AddRow("c-1", "OLDER", "", "flat", 5.0, 1, nil, 0, false, nil, now.Add(-time.Hour), now))

	coupons, err := repo.List(context.Background())

	require.NoError(t, err)
	require.Len(t, coupons, 2)
	assert.Equal(t, "NEWER", coupons[0].Code)
	require.NotNil(t, coupons[0].GlobalLimit)
	assert.Equal(t, 10, *coupons[0].GlobalLimit)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementUsage(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("Both counters incremented", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		coupon := testCoupon()
		mock.ExpectBegin()
		mock.ExpectQuery(`(?s)INSERT INTO coupon_usages .*ON CONFLICT \(user_id, coupon_id\) DO UPDATE .*WHERE coupon_usages.usage_count < \$\d+`).
			WillReturnRows(sqlmock.NewRows(usageColumns).AddRow("u-1", "user-1", coupon.ID, 2, now, now, now))
		mock.ExpectExec(`UPDATE "coupons" SET .*total_used.*global_limit IS NULL OR total_used < global_limit`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		usage, err := repo.IncrementUsage(ctx, coupon, "user-1", now)

		require.NoError(t, err)
		assert.Equal(t, 2, usage.UsageCount)
		assert.Equal(t, "user-1", usage.UserID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Per-user limit reached", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO coupon_usages`).WillReturnRows(sqlmock.NewRows(usageColumns))
		mock.ExpectRollback()

		_, err := repo.IncrementUsage(ctx, testCoupon(), "user-1", now)

		assert.ErrorIs(t, err, ErrLimitReached)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Global limit reached rolls back the usage row", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		coupon := testCoupon()
		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO coupon_usages`).
			WillReturnRows(sqlmock.NewRows(usageColumns).AddRow("u-1", "user-1", coupon.ID, 1, now, now, now))
		mock.ExpectExec(`UPDATE "coupons" SET`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		_, err := repo.IncrementUsage(ctx, coupon, "user-1", now)

		assert.ErrorIs(t, err, ErrLimitReached)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Driver failure is wrapped", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		boom := errors.New("connection reset")
		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO coupon_usages`).WillReturnError(boom)
		mock.ExpectRollback()

		_, err := repo.IncrementUsage(ctx, testCoupon(), "user-1", now)

		assert.ErrorIs(t, err, boom)
		assert.NotErrorIs(t, err, ErrLimitReached)
	})
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	inactive := false

	t.Run("Unknown id", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec(`UPDATE "coupons" SET`).WillReturnResult(sqlmock.NewResult(0, 0))

		_, err := repo.Update(ctx, "missing", &model.PartialCoupon{IsActive: &inactive})

		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Updated row is reloaded", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		now := time.Now()
		mock.ExpectExec(`UPDATE "coupons" SET .*"is_active"=\$\d+`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`SELECT \* FROM "coupons" WHERE id = \$1`).
			WillReturnRows(sqlmock.NewRows(couponColumns).
				AddRow("c-1", "SAVE10", "", "flat", 5.0, 1, nil, 0, false, nil, now, now))

		coupon, err := repo.Update(ctx, "c-1", &model.PartialCoupon{IsActive: &inactive})

		require.NoError(t, err)
		assert.False(t, coupon.IsActive)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestReconcileTotalUsed(t *testing.T) {
	ctx := context.Background()

	t.Run("Rewrites total from usage rows", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(`UPDATE coupons\s+SET total_used = \(SELECT COALESCE\(SUM\(usage_count\), 0\) FROM coupon_usages`).
			WillReturnRows(sqlmock.NewRows([]string{"total_used"}).AddRow(5))

		total, err := repo.ReconcileTotalUsed(ctx, "c-1")

		require.NoError(t, err)
		assert.Equal(t, 5, total)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Unknown coupon", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(`UPDATE coupons`).WillReturnRows(sqlmock.NewRows([]string{"total_used"}))

		_, err := repo.ReconcileTotalUsed(ctx, "missing")

		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestTranslate(t *testing.T) {
	assert.NoError(t, translate(nil, "op"))
	assert.ErrorIs(t, translate(gorm.ErrRecordNotFound, "op"), ErrNotFound)
	assert.ErrorIs(t, translate(gorm.ErrDuplicatedKey, "op"), ErrDuplicate)

	boom := errors.New("boom")
	err := translate(boom, "find coupon")
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "find coupon")
}

func TestPartialUpdateDocument(t *testing.T) {
	now := time.Now()
	limit := 10
	desc := "new"

	update := partialUpdate(&model.PartialCoupon{Description: &desc, GlobalLimit: &limit, ClearExpiresAt: true}, now)

	set := update["$set"].(bson.M)
	assert.Equal(t, "new", set["description"])
	assert.Equal(t, 10, set["globalLimit"])
	assert.Equal(t, now, set["updatedAt"])
	assert.Equal(t, bson.M{"expiresAt": ""}, update["$unset"])

	cleared := partialUpdate(&model.PartialCoupon{GlobalLimit: &limit, ClearGlobalLimit: true}, now)
	assert.NotContains(t, cleared["$set"].(bson.M), "globalLimit")
	assert.Equal(t, bson.M{"globalLimit": ""}, cleared["$unset"])
}

func TestPartialColumns(t *testing.T) {
	code := "NEW"
	cols := partialColumns(&model.PartialCoupon{Code: &code, ClearGlobalLimit: true})

	assert.Equal(t, map[string]interface{}{"code": "NEW", "global_limit": nil}, cols)
	assert.Empty(t, partialColumns(&model.PartialCoupon{}))
}
