package model

import (
	"errors"
)

var (
	ErrNotFound     = errors.New("job not found")
	ErrInvalidState = errors.New("job is already finished")
	ErrInvalidJob   = errors.New("invalid job record")
)
