package remotefs

import "errors"

// Error taxonomy members per the controller/UI boundary. Internally these
// stay typed so callers can errors.Is/errors.As-discriminate; anywhere they
// cross into a QueueItem.FailureReason or a UI-facing field they are
// stringified with Error() first (see internal/controller).
var (
	ErrConnect = errors.New("connect_failed")
	ErrFs      = errors.New("filesystem_error")
	ErrIo      = errors.New("io_error")
)
