package service

import "errors"

// ErrorKind 错误分类，由 handler 映射为 HTTP 状态码
type ErrorKind int

const (
	KindBadRequest ErrorKind = iota + 1
	KindNotFound
	KindConflict
)

func (k ErrorKind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// CouponError 面向调用方的业务错误，Message 可直接展示给用户
type CouponError struct {
	Kind    ErrorKind
	Message string
}

func (e *CouponError) Error() string {
	return e.Message
}

func badRequest(msg string) error {
	return &CouponError{Kind: KindBadRequest, Message: msg}
}

func notFound(msg string) error {
	return &CouponError{Kind: KindNotFound, Message: msg}
}

func conflict(msg string) error {
	return &CouponError{Kind: KindConflict, Message: msg}
}

// KindOf 取出错误分类，非业务错误返回 0
func KindOf(err error) ErrorKind {
	var ce *CouponError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}
