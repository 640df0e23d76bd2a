package loader

import "errors"

var (
	ErrInvalidFormat         = errors.New("loader: invalid executable format")
	ErrNoMemoryAvailable     = errors.New("loader: no memory available for image")
	ErrBootServiceExitFailed = errors.New("loader: exit boot services failed")
)
