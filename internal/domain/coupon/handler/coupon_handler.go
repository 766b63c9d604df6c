package handler

import (
	"net/http"

	"coupon_tracker/internal/domain/coupon/model"
	"coupon_tracker/internal/domain/coupon/service"
	"coupon_tracker/internal/pkg/middleware"
	"coupon_tracker/pkg/response"

	"github.com/gin-gonic/gin"
)

// CouponHandler 优惠券处理器
type CouponHandler struct {
	service service.CouponService
}

// NewCouponHandler 创建处理器
func NewCouponHandler(service service.CouponService) *CouponHandler {
	return &CouponHandler{service: service}
}

// CodeInput 校验/核销输入
type CodeInput struct {
	Code string `json:"code" binding:"required"`
}

// ReconcileResult 对账结果
type ReconcileResult struct {
	CouponID  string `json:"couponId"`
	TotalUsed int    `json:"totalUsed"`
}

// writeError 按错误分类映射 HTTP 状态码
func writeError(c *gin.Context, err error) {
	switch service.KindOf(err) {
	case service.KindBadRequest:
		response.Error(c, http.StatusBadRequest, response.ErrCouponInvalid, err.Error())
	case service.KindNotFound:
		response.Error(c, http.StatusNotFound, response.ErrCouponNotFound, err.Error())
	case service.KindConflict:
		response.Error(c, http.StatusConflict, response.ErrCouponExists, err.Error())
	default:
		// 内部错误只记录，不向客户端暴露细节
		_ = c.Error(err)
		response.Error(c, http.StatusInternalServerError, response.ErrServerInternal, "Internal server error")
	}
}

func currentUser(c *gin.Context) (string, bool) {
	uid, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.ErrTokenInvalid, "User not authenticated")
	}
	return uid, ok
}

// Validate 预览优惠券是否可用
// @Summary 校验优惠券
// @Tags Coupon
// @Param input body CodeInput true "Code"
// @Success 200 {object} response.Response{data=model.ValidationResult}
// @Router /coupons/validate [post]
func (h *CouponHandler) Validate(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	var input CodeInput
	if err := c.ShouldBindJSON(&input); err != nil {
		response.Error(c, http.StatusBadRequest, response.ErrInvalidParam, err.Error())
		return
	}

	result, err := h.service.Validate(c.Request.Context(), input.Code, uid)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, result)
}

// Apply 核销优惠券
// @Summary 核销优惠券
// @Tags Coupon
// @Param input body CodeInput true "Code"
// @Success 200 {object} response.Response{data=model.ApplyResult}
// @Failure 400,404 {object} response.Response
// @Router /coupons/apply [post]
func (h *CouponHandler) Apply(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	var input CodeInput
	if err := c.ShouldBindJSON(&input); err != nil {
		response.Error(c, http.StatusBadRequest, response.ErrInvalidParam, err.Error())
		return
	}

	result, err := h.service.Apply(c.Request.Context(), input.Code, uid)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, result)
}

// GetUsage 当前用户对某个优惠码的使用情况
func (h *CouponHandler) GetUsage(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	code := c.Query("code")
	if code == "" {
		response.Error(c, http.StatusBadRequest, response.ErrInvalidParam, "code is required")
		return
	}

	summary, err := h.service.GetUserUsage(c.Request.Context(), uid, code)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, summary)
}

// CreateCoupon 创建优惠券
// @Summary 创建优惠券
// @Tags Admin
// @Param input body service.CreateCouponInput true "Coupon"
// @Success 201 {object} response.Response{data=model.Coupon}
// @Failure 409 {object} response.Response
// @Router /admin/coupons [post]
func (h *CouponHandler) CreateCoupon(c *gin.Context) {
	var input service.CreateCouponInput
	if err := c.ShouldBindJSON(&input); err != nil {
		response.Error(c, http.StatusBadRequest, response.ErrInvalidParam, err.Error())
		return
	}

	coupon, err := h.service.CreateCoupon(c.Request.Context(), &input)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Created(c, coupon)
}

// ListCoupons 所有优惠券，按创建时间倒序
func (h *CouponHandler) ListCoupons(c *gin.Context) {
	coupons, err := h.service.ListCoupons(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, coupons)
}

// UpdateCoupon 部分更新
func (h *CouponHandler) UpdateCoupon(c *gin.Context) {
	var fields model.PartialCoupon
	if err := c.ShouldBindJSON(&fields); err != nil {
		response.Error(c, http.StatusBadRequest, response.ErrInvalidParam, err.Error())
		return
	}

	coupon, err := h.service.UpdateCoupon(c.Request.Context(), c.Param("id"), &fields)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, coupon)
}

// ReconcileCoupon 用用户计数之和修正 totalUsed
func (h *CouponHandler) ReconcileCoupon(c *gin.Context) {
	id := c.Param("id")
	total, err := h.service.ReconcileCoupon(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, ReconcileResult{CouponID: id, TotalUsed: total})
}
