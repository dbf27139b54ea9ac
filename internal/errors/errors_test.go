package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) HTTPErrorResponse {
	t.Helper()
	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestRespondWithError_TypedError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/jobs/app-9", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	rec := httptest.NewRecorder()

	err := NotFound("job app-9 not found").WithDetails(map[string]any{"job_id": "app-9"})
	RespondWithError(rec, req, err)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	body := decode(t, rec)
	assert.Equal(t, CodeNotFound, body.Error.Code)
	assert.Equal(t, "job app-9 not found", body.Error.Message)
	assert.Equal(t, "req-1", body.Error.RequestID)
	assert.Equal(t, "app-9", body.Error.Details["job_id"])
}

func TestRespondWithError_PlainErrorIsInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondWithError(rec, httptest.NewRequest(http.MethodGet, "/", nil), stderrors.New("disk full"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, CodeInternal, body.Error.Code)
	assert.Contains(t, body.Error.Message, "disk full")
}

func TestWrappedErrorKeepsCause(t *testing.T) {
	cause := stderrors.New("bucket unavailable")
	err := Wrap(http.StatusBadGateway, CodeExternalService, "mirror failed", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "mirror failed: bucket unavailable", err.Error())

	var appErr *Error
	require.True(t, stderrors.As(error(err), &appErr))
	assert.Equal(t, http.StatusBadGateway, appErr.Status)
}

func TestWrapInternal(t *testing.T) {
	cause := stderrors.New("boom")
	assert.Equal(t, http.StatusInternalServerError, WrapInternal(context.Background(), cause, "x").Status)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, http.StatusServiceUnavailable, WrapInternal(ctx, cause, "x").Status)

	assert.Equal(t, CodeExternalService, NewExternalServiceError("down").Code)
	assert.Equal(t, http.StatusBadRequest, BadRequest("bad").Status)
}

func TestError_CarriesEnvelope(t *testing.T) {
	cause := stderrors.New("exit status 1")
	err := Wrap(http.StatusServiceUnavailable, CodeExternalService, "compiler unavailable", cause)

	require.NotNil(t, err.ErrorEnvelope)
	assert.Equal(t, CodeExternalService, err.Code)
	assert.Equal(t, gferrors.SeverityHigh, err.Severity)
	assert.Equal(t, "exit status 1", err.Original)
	assert.NotEmpty(t, err.Timestamp)

	assert.Equal(t, gferrors.SeverityLow, NotFound("x").Severity)
	assert.Equal(t, gferrors.SeverityMedium, New(http.StatusTooManyRequests, CodeTooManyRequests, "x").Severity)
}

func TestWithDetails_LeavesOriginalUntouched(t *testing.T) {
	base := NotFound("module nope not found")
	withDetails := base.WithDetails(map[string]any{"module": "nope"})

	assert.Nil(t, base.Details)
	assert.Equal(t, "nope", withDetails.Details["module"])
	assert.Equal(t, base.Code, withDetails.Code)
}

func TestRespondWithError_RequestIDFromResponseHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set(RequestIDHeader, "req-from-middleware")

	RespondWithError(rec, nil, BadRequest("duplicate query key locale"))

	body := decode(t, rec)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "req-from-middleware", body.Error.RequestID)
	assert.Equal(t, string(gferrors.SeverityLow), body.Error.Severity)
}
