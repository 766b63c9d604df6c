package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coupon_tracker/internal/domain/coupon/model"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Collection name constants.
const (
	colCoupons      = "coupons"
	colCouponUsages = "coupon_usages"
)

var _ CouponRepository = (*mongoCouponRepository)(nil)

// mongoCouponRepository 基于 MongoDB 单文档原子操作的实现，不依赖多文档事务
type mongoCouponRepository struct {
	coupons *mongo.Collection
	usages  *mongo.Collection
}

func NewMongoCouponRepository(db *mongo.Database) CouponRepository {
	return &mongoCouponRepository{
		coupons: db.Collection(colCoupons),
		usages:  db.Collection(colCouponUsages),
	}
}

// EnsureIndexes 创建唯一索引：优惠码、(userId, couponId)
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(colCoupons).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "code", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "createdAt", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("coupon/mongo: migrate %s indexes: %w", colCoupons, err)
	}

	_, err = db.Collection(colCouponUsages).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "couponId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "couponId", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("coupon/mongo: migrate %s indexes: %w", colCouponUsages, err)
	}
	return nil
}

func mongoErr(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return ErrDuplicate
	default:
		return fmt.Errorf("coupon/mongo: %s: %w", op, err)
	}
}

func (r *mongoCouponRepository) Create(ctx context.Context, coupon *model.Coupon) error {
	coupon.EnsureID()
	coupon.Touch(time.Now())
	_, err := r.coupons.InsertOne(ctx, coupon)
	return mongoErr(err, "create coupon")
}

func (r *mongoCouponRepository) findOne(ctx context.Context, filter bson.M, op string) (*model.Coupon, error) {
	var coupon model.Coupon
	if err := r.coupons.FindOne(ctx, filter).Decode(&coupon); err != nil {
		return nil, mongoErr(err, op)
	}
	return &coupon, nil
}

func (r *mongoCouponRepository) FindByID(ctx context.Context, id string) (*model.Coupon, error) {
	return r.findOne(ctx, bson.M{"_id": id}, "find coupon by id")
}

func (r *mongoCouponRepository) FindActiveByCode(ctx context.Context, code string) (*model.Coupon, error) {
	return r.findOne(ctx, bson.M{"code": code, "isActive": true}, "find active coupon")
}

func (r *mongoCouponRepository) List(ctx context.Context) ([]model.Coupon, error) {
	cur, err := r.coupons.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}))
	if err != nil {
		return nil, mongoErr(err, "list coupons")
	}
	coupons := make([]model.Coupon, 0)
	if err := cur.All(ctx, &coupons); err != nil {
		return nil, mongoErr(err, "decode coupons")
	}
	return coupons, nil
}

func partialUpdate(fields *model.PartialCoupon, now time.Time) bson.M {
	set := bson.M{"updatedAt": now}
	unset := bson.M{}
	if fields.Code != nil {
		set["code"] = *fields.Code
	}
	if fields.Description != nil {
		set["description"] = *fields.Description
	}
	if fields.DiscountType != nil {
		set["discountType"] = *fields.DiscountType
	}
	if fields.DiscountValue != nil {
		set["discountValue"] = *fields.DiscountValue
	}
	if fields.PerUserLimit != nil {
		set["perUserLimit"] = *fields.PerUserLimit
	}
	if fields.ClearGlobalLimit {
		unset["globalLimit"] = ""
	} else if fields.GlobalLimit != nil {
		set["globalLimit"] = *fields.GlobalLimit
	}
	if fields.IsActive != nil {
		set["isActive"] = *fields.IsActive
	}
	if fields.ClearExpiresAt {
		unset["expiresAt"] = ""
	} else if fields.ExpiresAt != nil {
		set["expiresAt"] = *fields.ExpiresAt
	}

	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	return update
}

func (r *mongoCouponRepository) Update(ctx context.Context, id string, fields *model.PartialCoupon) (*model.Coupon, error) {
	if fields.Empty() {
		return r.FindByID(ctx, id)
	}
	var coupon model.Coupon
	err := r.coupons.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		partialUpdate(fields, time.Now()),
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&coupon)
	if err != nil {
		return nil, mongoErr(err, "update coupon")
	}
	return &coupon, nil
}

func (r *mongoCouponRepository) GetUsage(ctx context.Context, userID, couponID string) (*model.CouponUsage, error) {
	var usage model.CouponUsage
	err := r.usages.FindOne(ctx, bson.M{"userId": userID, "couponId": couponID}).Decode(&usage)
	if err != nil {
		return nil, mongoErr(err, "get coupon usage")
	}
	return &usage, nil
}

// upsertUsage 条件 upsert 用户计数。已达上限的文档不匹配过滤条件，upsert 会撞上唯一索引
func (r *mongoCouponRepository) upsertUsage(ctx context.Context, coupon *model.Coupon, userID string, now time.Time) (*model.CouponUsage, error) {
	filter := bson.M{
		"userId":     userID,
		"couponId":   coupon.ID,
		"usageCount": bson.M{"$lt": coupon.PerUserLimit},
	}
	update := bson.M{
		"$inc":         bson.M{"usageCount": 1},
		"$set":         bson.M{"lastUsedAt": now, "updatedAt": now},
		"$setOnInsert": bson.M{"_id": uuid.New().String(), "createdAt": now},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var usage model.CouponUsage
	if err := r.usages.FindOneAndUpdate(ctx, filter, update, opts).Decode(&usage); err != nil {
		return nil, err
	}
	return &usage, nil
}

// IncrementUsage 先条件 upsert 用户计数，再条件自增全局计数；后者失败时回滚前者
func (r *mongoCouponRepository) IncrementUsage(ctx context.Context, coupon *model.Coupon, userID string, now time.Time) (*model.CouponUsage, error) {
	usage, err := r.upsertUsage(ctx, coupon, userID, now)
	if mongo.IsDuplicateKeyError(err) {
		// 范围条件的 upsert 不会被服务端自动重试：可能是并发的首次插入抢先建了文档，
		// 文档已存在后再试一次，仍冲突才说明次数已满
		usage, err = r.upsertUsage(ctx, coupon, userID, now)
	}
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrLimitReached
		}
		return nil, fmt.Errorf("coupon/mongo: increment usage: %w", err)
	}

	res, err := r.coupons.UpdateOne(ctx,
		bson.M{
			"_id": coupon.ID,
			"$or": bson.A{
				bson.M{"globalLimit": nil},
				bson.M{"$expr": bson.M{"$lt": bson.A{"$totalUsed", "$globalLimit"}}},
			},
		},
		bson.M{
			"$inc": bson.M{"totalUsed": 1},
			"$set": bson.M{"updatedAt": now},
		},
	)
	if err == nil && res.MatchedCount == 1 {
		return usage, nil
	}

	if cerr := r.undoUsage(ctx, usage.ID); cerr != nil {
		return nil, fmt.Errorf("%w: %v", ErrCounterDrift, cerr)
	}
	if err != nil {
		return nil, fmt.Errorf("coupon/mongo: increment total: %w", err)
	}
	return nil, ErrLimitReached
}

func (r *mongoCouponRepository) undoUsage(ctx context.Context, usageID string) error {
	_, err := r.usages.UpdateOne(ctx,
		bson.M{"_id": usageID, "usageCount": bson.M{"$gt": 0}},
		bson.M{"$inc": bson.M{"usageCount": -1}},
	)
	return err
}

func (r *mongoCouponRepository) ReconcileTotalUsed(ctx context.Context, couponID string) (int, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"couponId": couponID}}},
		{{Key: "$group", Value: bson.M{"_id": nil, "total": bson.M{"$sum": "$usageCount"}}}},
	}
	cur, err := r.usages.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, mongoErr(err, "sum coupon usage")
	}
	var rows []struct {
		Total int `bson:"total"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return 0, mongoErr(err, "decode usage sum")
	}
	total := 0
	if len(rows) > 0 {
		total = rows[0].Total
	}

	res, err := r.coupons.UpdateOne(ctx,
		bson.M{"_id": couponID},
		bson.M{"$set": bson.M{"totalUsed": total, "updatedAt": time.Now()}},
	)
	if err != nil {
		return 0, mongoErr(err, "reconcile coupon total")
	}
	if res.MatchedCount == 0 {
		return 0, ErrNotFound
	}
	return total, nil
}
