package model

import "fmt"

// QuoteError classifies failures so transport layers can map them to
// status codes without string matching.
type QuoteError struct {
	Type    string // "source_unavailable", "bad_symbol", "invalid_request", "bus_disconnected", "client_transport"
	Symbol  string
	Message string
	Cause   error
}

func (e *QuoteError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error for %s: %s (%v)", e.Type, e.Symbol, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error for %s: %s", e.Type, e.Symbol, e.Message)
}

func (e *QuoteError) Unwrap() error { return e.Cause }

func NewSourceUnavailableError(symbol, message string, cause error) *QuoteError {
	return &QuoteError{Type: "source_unavailable", Symbol: symbol, Message: message, Cause: cause}
}

func NewBadSymbolError(symbol, message string) *QuoteError {
	return &QuoteError{Type: "bad_symbol", Symbol: symbol, Message: message}
}

func NewInvalidRequestError(message string) *QuoteError {
	return &QuoteError{Type: "invalid_request", Message: message}
}

func NewBusDisconnectedError(message string, cause error) *QuoteError {
	return &QuoteError{Type: "bus_disconnected", Message: message, Cause: cause}
}

func NewClientTransportError(message string, cause error) *QuoteError {
	return &QuoteError{Type: "client_transport", Message: message, Cause: cause}
}
