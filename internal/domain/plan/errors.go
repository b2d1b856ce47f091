package plan

import "errors"

var (
	ErrPlanNotFound = errors.New("plan not found")
	ErrInternal     = errors.New("internal error")
)
