package async

import "errors"

var (
	// ErrTimeout is returned when AwaitWithTimeout expires before the future
	// completes.
	ErrTimeout = errors.New("async: await timed out")
)
