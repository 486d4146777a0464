// Package handler holds the HTTP edge of the order engine: error mapping
// shared by the webhook and metrics endpoints.
package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/dukerupert/ordercore/internal/domain"
)

// ErrorCodeToHTTPStatus maps a domain error code to an HTTP status.
func ErrorCodeToHTTPStatus(code string) int {
	switch code {
	case domain.EINVALID:
		return http.StatusBadRequest
	case domain.EPAYMENT:
		return http.StatusPaymentRequired
	case domain.ENOTFOUND:
		return http.StatusNotFound
	case domain.ECONFLICT:
		return http.StatusConflict
	case domain.EGONE:
		return http.StatusGone
	case domain.EUNAVAILABLE:
		return http.StatusServiceUnavailable
	case domain.ETXREQUIRED:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// ErrorResponse writes err as a JSON error body. Internal details are hidden.
func ErrorResponse(c echo.Context, err error) error {
	code := domain.ErrorCode(err)
	body := errorBody{Error: errorDetail{
		Code:    code,
		Message: domain.ErrorMessage(err),
		Fields:  domain.GetValidationFields(err),
	}}
	if body.Error.Fields != nil {
		body.Error.Message = "Validation failed"
	}
	return c.JSON(ErrorCodeToHTTPStatus(code), body)
}

// HTTPErrorHandler renders errors returned by echo handlers. Echo's own
// errors (unknown route, bad method) keep their status.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok {
			msg = s
		}
		_ = c.JSON(he.Code, errorBody{Error: errorDetail{Code: domain.EINVALID, Message: msg}})
		return
	}
	_ = ErrorResponse(c, err)
}
