package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/dukerupert/ordercore/internal/domain"
)

func TestErrorCodeToHTTPStatus(t *testing.T) {
	tests := []struct {
		code     string
		expected int
	}{
		{domain.EINVALID, http.StatusBadRequest},
		{domain.EPAYMENT, http.StatusPaymentRequired},
		{domain.ENOTFOUND, http.StatusNotFound},
		{domain.ECONFLICT, http.StatusConflict},
		{domain.EGONE, http.StatusGone},
		{domain.EUNAVAILABLE, http.StatusServiceUnavailable},
		{domain.ETXREQUIRED, http.StatusNotImplemented},
		{domain.ERECONCILE, http.StatusInternalServerError},
		{domain.EINTERNAL, http.StatusInternalServerError},
		{"unknown_code", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := ErrorCodeToHTTPStatus(tt.code); got != tt.expected {
				t.Errorf("ErrorCodeToHTTPStatus(%q) = %d, want %d", tt.code, got, tt.expected)
			}
		})
	}
}

type response struct {
	Error struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Fields  map[string]string `json:"fields"`
	} `json:"error"`
}

func serve(t *testing.T, err error) (*httptest.ResponseRecorder, response) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/test", nil)
	rec := httptest.NewRecorder()

	if werr := ErrorResponse(e.NewContext(req, rec), err); werr != nil {
		t.Fatalf("ErrorResponse: %v", werr)
	}

	var body response
	if derr := json.NewDecoder(rec.Body).Decode(&body); derr != nil {
		t.Fatalf("failed to decode response: %v", derr)
	}
	return rec, body
}

func TestErrorResponse_JSON(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   string
	}{
		{
			name:           "not found error",
			err:            domain.NotFound("order.get", "order", "abc-123"),
			expectedStatus: http.StatusNotFound,
			expectedCode:   domain.ENOTFOUND,
		},
		{
			name:           "business rule error",
			err:            domain.Invalid("order.refund", "refund window expired"),
			expectedStatus: http.StatusBadRequest,
			expectedCode:   domain.EINVALID,
		},
		{
			name:           "wrapped conflict",
			err:            errors.Join(errors.New("retry"), domain.Conflict("order.update", "version changed")),
			expectedStatus: http.StatusConflict,
			expectedCode:   domain.ECONFLICT,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := serve(t, tt.err)

			if rec.Code != tt.expectedStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.expectedStatus)
			}
			if body.Error.Code != tt.expectedCode {
				t.Errorf("error.code = %q, want %q", body.Error.Code, tt.expectedCode)
			}
		})
	}
}

func TestErrorResponse_InternalHidesDetails(t *testing.T) {
	err := domain.Internal(nil, "db.query", "failed to connect to database at 192.168.1.100:5432")
	rec, body := serve(t, err)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}

	expected := "An internal error occurred. Please try again later."
	if body.Error.Message != expected {
		t.Errorf("message = %q, want %q", body.Error.Message, expected)
	}
}

func TestErrorResponse_ValidationFields(t *testing.T) {
	err := domain.NewValidationError("order.create", "items", "at least one item is required")
	err = domain.AddFieldError(err, "currency", "must be a 3 letter code")

	rec, body := serve(t, err)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if len(body.Error.Fields) != 2 {
		t.Errorf("fields count = %d, want 2", len(body.Error.Fields))
	}
	if body.Error.Fields["items"] != "at least one item is required" {
		t.Errorf("fields[items] = %q", body.Error.Fields["items"])
	}
}

func TestHTTPErrorHandler_KeepsEchoStatus(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	rec := httptest.NewRecorder()

	HTTPErrorHandler(echo.ErrNotFound, e.NewContext(req, rec))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
