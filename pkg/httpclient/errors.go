package httpclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/carepulse/carepulse/pkg/errors"
)

// errorBody covers the two error envelopes the care API returns:
// {"error":{"code":..,"message":..}} and the flat {"code":..,"message":..}.
type errorBody struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ParseResponseError reads a non-2xx response and translates it into an
// AppError. The body is consumed and closed.
func ParseResponseError(resp *http.Response, serviceName string) error {
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s returned status %d (failed to read body: %w)", serviceName, resp.StatusCode, err)
	}

	var body errorBody
	if json.Unmarshal(bodyBytes, &body) == nil {
		switch {
		case body.Error != nil:
			return mapStatus(resp.StatusCode, body.Error.Code, body.Error.Message, serviceName)
		case body.Message != "":
			return mapStatus(resp.StatusCode, body.Code, body.Message, serviceName)
		}
	}

	msg := string(bodyBytes)
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return mapStatus(resp.StatusCode, "", msg, serviceName)
}

func mapStatus(status int, code, message, serviceName string) error {
	qualified := fmt.Sprintf("%s: %s", serviceName, message)

	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return apperrors.InvalidArgument(qualified)
	case status == http.StatusUnauthorized:
		return apperrors.Unauthorized(qualified)
	case status == http.StatusForbidden:
		return apperrors.Forbidden(qualified)
	case status == http.StatusNotFound:
		return apperrors.NotFound(serviceName, message)
	case status == http.StatusConflict:
		return apperrors.Conflict(qualified)
	case status >= 500:
		return &apperrors.AppError{
			Code:    orDefault(code, "UPSTREAM_ERROR"),
			Message: qualified,
			Status:  status,
			Err:     apperrors.ErrServiceUnavail,
		}
	default:
		return &apperrors.AppError{
			Code:    orDefault(code, "UNEXPECTED_STATUS"),
			Message: qualified,
			Status:  status,
		}
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
