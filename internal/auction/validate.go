package auction

import (
	"errors"
	"fmt"

	"github.com/prebid/openrtb/v20/openrtb2"
)

// Validation errors
var (
	ErrNilRequest     = errors.New("request is nil")
	ErrMissingID      = errors.New("request id is required")
	ErrNoImpressions  = errors.New("at least one impression is required")
	ErrMissingContext = errors.New("request must carry an app or a site")
	ErrBothContexts   = errors.New("request must not carry both an app and a site")
)

// ImpressionError reports an invalid impression
type ImpressionError struct {
	Index  int
	ImpID  string
	Reason string
}

func (e *ImpressionError) Error() string {
	return fmt.Sprintf("imp[%d] (%s): %s", e.Index, e.ImpID, e.Reason)
}

// Validate checks that a request is well formed
func Validate(req *openrtb2.BidRequest) error {
	if req == nil {
		return ErrNilRequest
	}
	if req.ID == "" {
		return ErrMissingID
	}
	if len(req.Imp) == 0 {
		return ErrNoImpressions
	}

	for i := range req.Imp {
		if err := validateImp(i, &req.Imp[i]); err != nil {
			return err
		}
	}

	switch {
	case req.App == nil && req.Site == nil:
		return ErrMissingContext
	case req.App != nil && req.Site != nil:
		return ErrBothContexts
	}
	return nil
}

func validateImp(index int, imp *openrtb2.Imp) error {
	if imp.ID == "" {
		return &ImpressionError{Index: index, Reason: "missing id"}
	}

	formats := 0
	if imp.Banner != nil {
		formats++
	}
	if imp.Video != nil {
		formats++
	}
	if imp.Native != nil {
		formats++
	}
	if formats != 1 {
		return &ImpressionError{Index: index, ImpID: imp.ID, Reason: "exactly one of banner, video or native is required"}
	}

	if imp.BidFloor < 0 {
		return &ImpressionError{Index: index, ImpID: imp.ID, Reason: "negative bid floor"}
	}
	return nil
}
