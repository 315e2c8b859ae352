package inspection

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrInvalidDimensions = errors.New("image dimensions must be positive")
	ErrOverlayNotReady   = errors.New("overlay requires a completed analysis")
	ErrSessionNotFound   = errors.New("inspection session not found")
	ErrDispatcherFull    = errors.New("inspection dispatcher is busy, try again later")
)

// AcquisitionError is returned when the feed request fails. The session is
// back in IDLE and the caller may launch again.
type AcquisitionError struct {
	Err error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("image acquisition failed: %v", e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// AnalysisError is returned when the analysis request fails. The session is
// back in FEED_READY with the acquired image kept.
type AnalysisError struct {
	ImageID string
	Err     error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis of image %s failed: %v", e.ImageID, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

func invalidTransition(op string, from State) error {
	return fmt.Errorf("%w: %s not allowed in state %s", ErrInvalidTransition, op, from)
}
