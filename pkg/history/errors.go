package history

import "errors"

var (
	ErrQueryHistory = errors.New("query connection history")
)
