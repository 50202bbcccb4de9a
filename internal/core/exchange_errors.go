package core

import "errors"

var (
	// ErrNotSupportedSymbol indicates the pair has no mapped exchange
	// instrument. Not retryable for the same pair.
	ErrNotSupportedSymbol = errors.New("symbol not supported")
	// ErrOrderNotFound indicates the order does not exist on the exchange.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderAlreadyCancelled indicates a cancel targeted an order the
	// exchange had already cancelled.
	ErrOrderAlreadyCancelled = errors.New("order already cancelled")
	// ErrOrderAlreadyFilled indicates a cancel targeted a fully filled order.
	ErrOrderAlreadyFilled = errors.New("order already filled")
	// ErrParseFailure indicates a malformed or absent response payload where
	// one was required.
	ErrParseFailure = errors.New("response parse failure")
	// ErrHeaderEncoding indicates a signature or credential could not be
	// encoded into a request header. Configuration issue, fatal for the call.
	ErrHeaderEncoding = errors.New("header encoding failure")
	// ErrNumericConversion indicates a decimal value fell outside the
	// representable float range during snapshot assembly.
	ErrNumericConversion = errors.New("numeric conversion failure")
)

// IsCancelFinal reports whether err is one of the idempotent cancellation
// outcomes: the order is no longer cancellable, so a cancel attempt is
// treated as having succeeded.
func IsCancelFinal(err error) bool {
	return errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrOrderAlreadyCancelled) ||
		errors.Is(err, ErrOrderAlreadyFilled)
}
