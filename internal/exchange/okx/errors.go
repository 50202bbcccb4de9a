package okx

import (
	"errors"
	"fmt"
	"strconv"

	"okx-driver/internal/core"
)

// Venue status codes returned for cancel attempts against orders that are no
// longer cancellable. https://www.okx.com/docs-v5/en/#error-code
const (
	apiCodeOrderNotFound        uint64 = 51400
	apiCodeOrderAlreadyCanceled uint64 = 51401
	apiCodeOrderAlreadyFilled   uint64 = 51402
	apiCodeOrderNotExist        uint64 = 51603
)

// APIError is a venue-reported error surfaced verbatim: the envelope (or
// per-order) status code plus the human-readable message.
type APIError struct {
	Code uint64
	Msg  string
}

func (e APIError) Error() string {
	return fmt.Sprintf("okx api error %d: %s", e.Code, e.Msg)
}

func wrapAPIError(code uint64, msg string) error {
	apiErr := APIError{Code: code, Msg: msg}
	if kind := apiErrorKind(code); kind != nil {
		return errors.Join(apiErr, kind)
	}
	return apiErr
}

func apiErrorKind(code uint64) error {
	switch code {
	case apiCodeOrderNotFound, apiCodeOrderNotExist:
		return core.ErrOrderNotFound
	case apiCodeOrderAlreadyCanceled:
		return core.ErrOrderAlreadyCancelled
	case apiCodeOrderAlreadyFilled:
		return core.ErrOrderAlreadyFilled
	}
	return nil
}

func parseAPICode(code string) (uint64, error) {
	if code == "" {
		return 0, fmt.Errorf("%w: empty status code", core.ErrParseFailure)
	}
	v, err := strconv.ParseUint(code, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: status code %q: %v", core.ErrParseFailure, code, err)
	}
	return v, nil
}

func AsAPIError(err error) (APIError, bool) {
	if err == nil {
		return APIError{}, false
	}
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}
