package response

// 业务状态码
const (
	CodeSuccess = 0
	CodeError   = 1

	// 鉴权错误 100xx
	ErrTokenInvalid = 10004
	ErrNoPermission = 10005

	// 优惠券模块错误 200xx
	ErrCouponNotFound = 20001
	ErrCouponInvalid  = 20002 // 校验未通过（过期、次数用完等）
	ErrCouponExists   = 20003

	// 系统错误 500xx
	ErrServerInternal  = 50001
	ErrInvalidParam    = 50002
	ErrTooManyRequests = 50003
)
