package extract

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedSite means no strategy can handle the URL.
	ErrUnsupportedSite = errors.New("unsupported site")
	// ErrExtractionFailed means a strategy ran but produced no usable product.
	ErrExtractionFailed = errors.New("could not extract product data")
)

// ExtractionFailedError carries the reason a strategy produced nothing usable.
type ExtractionFailedError struct {
	Reason string
}

func (e *ExtractionFailedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrExtractionFailed, e.Reason)
}

func (e *ExtractionFailedError) Is(target error) bool { return target == ErrExtractionFailed }

func unsupported(rawURL, reason string) error {
	return fmt.Errorf("%w: %s (%s)", ErrUnsupportedSite, reason, rawURL)
}
