package reactions

import "errors"

// Domain errors for the reaction fan-out. The control API maps these to HTTP
// statuses.
var (
	// ErrDisabled means reactions are turned off for this session.
	ErrDisabled = errors.New("reactions are disabled")
	// ErrNotConnected means the data channel is not attached.
	ErrNotConnected = errors.New("not connected to the meeting channel")
	// ErrRateLimited means the minimum inter-send gap has not elapsed.
	ErrRateLimited = errors.New("sending reactions too quickly")
	// ErrInvalidEmoji means the emoji is not in the reaction set.
	ErrInvalidEmoji = errors.New("emoji is not in the reaction set")
	// ErrNotHost means a host-only operation was attempted by a non-host.
	ErrNotHost = errors.New("only the host can clear reactions")
)
