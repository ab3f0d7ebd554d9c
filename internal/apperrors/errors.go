package apperrors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code classifies an instruction failure. Codes are stable strings so they
// can be surfaced verbatim to callers and stored in the event log.
type Code string

const (
	CodeStaleCache                Code = "STALE_CACHE"
	CodeInvalidConfidence         Code = "INVALID_CONFIDENCE"
	CodeInsufficientMargin        Code = "INSUFFICIENT_MARGIN"
	CodeBookFull                  Code = "BOOK_FULL"
	CodeOrderExpired              Code = "ORDER_EXPIRED"
	CodeUnauthorized              Code = "UNAUTHORIZED"
	CodeArithmeticOverflow        Code = "ARITHMETIC_OVERFLOW"
	CodeDivisionByZero            Code = "DIVISION_BY_ZERO"
	CodeAccountAlreadyLiquidating Code = "ACCOUNT_ALREADY_LIQUIDATING"
	CodeBankruptAccountLocked     Code = "BANKRUPT_ACCOUNT_LOCKED"
	CodeQueueFull                 Code = "QUEUE_FULL"

	CodeInvalidParam        Code = "INVALID_PARAM"
	CodeNotFound            Code = "NOT_FOUND"
	CodeInsufficientFunds   Code = "INSUFFICIENT_FUNDS"
	CodeNotLiquidatable     Code = "NOT_LIQUIDATABLE"
	CodeNotBankrupt         Code = "NOT_BANKRUPT"
	CodePriceOutOfBand      Code = "PRICE_OUT_OF_BAND"
	CodePostOnlyCross       Code = "POST_ONLY_CROSS"
	CodeReduceOnlyViolation Code = "REDUCE_ONLY_VIOLATION"
	CodeMarginBasketFull    Code = "MARGIN_BASKET_FULL"
	CodeTooManyOpenOrders   Code = "TOO_MANY_OPEN_ORDERS"
	CodeMaxAccountsReached  Code = "MAX_ACCOUNTS_REACHED"
	CodeInternal            Code = "INTERNAL"
)

// AppError is the error type returned by every instruction handler.
type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches on Code so the sentinels below work with errors.Is regardless
// of message or cause.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrStaleCache                = &AppError{Code: CodeStaleCache}
	ErrInvalidConfidence         = &AppError{Code: CodeInvalidConfidence}
	ErrInsufficientMargin        = &AppError{Code: CodeInsufficientMargin}
	ErrBookFull                  = &AppError{Code: CodeBookFull}
	ErrOrderExpired              = &AppError{Code: CodeOrderExpired}
	ErrUnauthorized              = &AppError{Code: CodeUnauthorized}
	ErrArithmeticOverflow        = &AppError{Code: CodeArithmeticOverflow}
	ErrDivisionByZero            = &AppError{Code: CodeDivisionByZero}
	ErrAccountAlreadyLiquidating = &AppError{Code: CodeAccountAlreadyLiquidating}
	ErrBankruptAccountLocked     = &AppError{Code: CodeBankruptAccountLocked}
	ErrQueueFull                 = &AppError{Code: CodeQueueFull}

	ErrInvalidParam        = &AppError{Code: CodeInvalidParam}
	ErrNotFound            = &AppError{Code: CodeNotFound}
	ErrInsufficientFunds   = &AppError{Code: CodeInsufficientFunds}
	ErrNotLiquidatable     = &AppError{Code: CodeNotLiquidatable}
	ErrNotBankrupt         = &AppError{Code: CodeNotBankrupt}
	ErrPriceOutOfBand      = &AppError{Code: CodePriceOutOfBand}
	ErrPostOnlyCross       = &AppError{Code: CodePostOnlyCross}
	ErrReduceOnlyViolation = &AppError{Code: CodeReduceOnlyViolation}
	ErrMarginBasketFull    = &AppError{Code: CodeMarginBasketFull}
	ErrTooManyOpenOrders   = &AppError{Code: CodeTooManyOpenOrders}
	ErrMaxAccountsReached  = &AppError{Code: CodeMaxAccountsReached}
)

// New builds an AppError with a formatted message.
func New(code Code, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(code Code, cause error, msg string) *AppError {
	return &AppError{
		Code:    code,
		Message: msg,
		Cause:   cause,
	}
}

// CodeOf extracts the code of the first AppError in the chain, or
// CodeInternal for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error to the status returned by the HTTP API.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case "":
		return http.StatusOK
	case CodeUnauthorized:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidParam, CodePriceOutOfBand, CodePostOnlyCross, CodeReduceOnlyViolation,
		CodeOrderExpired, CodeInvalidConfidence:
		return http.StatusBadRequest
	case CodeQueueFull, CodeStaleCache:
		return http.StatusServiceUnavailable
	case CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusUnprocessableEntity
	}
}

// GRPCCode maps an error to a gRPC status code.
func GRPCCode(err error) codes.Code {
	switch CodeOf(err) {
	case "":
		return codes.OK
	case CodeUnauthorized:
		return codes.PermissionDenied
	case CodeNotFound:
		return codes.NotFound
	case CodeInvalidParam, CodePriceOutOfBand, CodePostOnlyCross, CodeReduceOnlyViolation,
		CodeOrderExpired, CodeInvalidConfidence:
		return codes.InvalidArgument
	case CodeQueueFull, CodeStaleCache:
		return codes.Unavailable
	case CodeArithmeticOverflow, CodeDivisionByZero:
		return codes.OutOfRange
	case CodeInternal:
		return codes.Internal
	default:
		return codes.FailedPrecondition
	}
}
