// Package apperr is the error taxonomy shared by the checkout core and the
// HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindInsufficientStock Kind = "insufficient_stock"
	KindConflict          Kind = "conflict"
	KindInternal          Kind = "internal"
)

const (
	CodeEmptyCart           = "empty_cart"
	CodeInvalidRate         = "invalid_rate"
	CodeInvalidRequest      = "invalid_request"
	CodeInvalidDiscount     = "invalid_discount"
	CodeInvalidChargeConfig = "invalid_charge_config"
	CodeAmountOutOfRange    = "amount_out_of_range"
	CodeItemNotFound        = "item_not_found"
	CodeCustomerNotFound    = "customer_not_found"
	CodeInvoiceNotFound     = "invoice_not_found"
	CodeInsufficientStock   = "insufficient_stock"
	CodeConcurrencyConflict = "concurrency_conflict"
	CodeDuplicateSKU        = "duplicate_sku"
	CodeItemInUse           = "item_in_use"
	CodeInternal            = "internal"
)

// Error carries a kind, a stable code and a user-facing message.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// HTTPStatus maps the kind to a response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation, KindInsufficientStock:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func Validation(code string, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

func NotFound(code string, message string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

// InsufficientStock names the item that could not be reserved.
func InsufficientStock(itemID string, sku string, name string, available int, requested int) *Error {
	return &Error{
		Kind:    KindInsufficientStock,
		Code:    CodeInsufficientStock,
		Message: fmt.Sprintf("Insufficient stock for %s", name),
		Details: map[string]any{
			"item_id":   itemID,
			"sku":       sku,
			"name":      name,
			"available": available,
			"requested": requested,
		},
	}
}

func Conflict(code string, message string, err error) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: message, Err: err}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: "internal error", Err: err}
}

// WithDetails returns e with an extra detail entry.
func (e *Error) WithDetails(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf reports the kind of err; errors outside the taxonomy are internal.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// Ensure wraps errors outside the taxonomy as internal.
func Ensure(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	return Internal(err)
}
