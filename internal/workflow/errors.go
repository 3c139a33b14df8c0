package workflow

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrRequestNotPending   = errors.New("approval request is not pending")
	ErrNotActive           = errors.New("item is not active")
	ErrSoldOut             = errors.New("item is sold out")
	ErrInsufficientBalance = errors.New("insufficient star balance")
	ErrOutOfScope          = errors.New("item is not available to this team")
	ErrConflict            = errors.New("item was modified concurrently")
	ErrInvalidInput        = errors.New("invalid input")
	ErrCouponNotIssued     = errors.New("coupon is not in issued status")
)

// Code returns a stable machine-readable code for a workflow error, or ""
// when err is not one of the sentinels above.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrRequestNotPending):
		return "request_not_pending"
	case errors.Is(err, ErrNotActive):
		return "not_active"
	case errors.Is(err, ErrSoldOut):
		return "sold_out"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrOutOfScope):
		return "out_of_scope"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrCouponNotIssued):
		return "coupon_not_issued"
	}
	return ""
}
