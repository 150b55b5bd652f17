package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/licensedesk/licensedesk/internal/device"
	"github.com/licensedesk/licensedesk/internal/license"
	"github.com/licensedesk/licensedesk/internal/model"
	"github.com/licensedesk/licensedesk/internal/server/middleware"
	"github.com/licensedesk/licensedesk/internal/service"
	"github.com/licensedesk/licensedesk/internal/session"
	"github.com/licensedesk/licensedesk/internal/store"
	"github.com/licensedesk/licensedesk/internal/subscription"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// errBadRequest marks request bodies that cannot be decoded or validated.
var errBadRequest = errors.New("bad request")

// writeJSON serializes the envelope as JSON and writes it to the response
// with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, env model.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}

// writeOK writes a successful envelope carrying data.
func writeOK(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, model.Envelope{Success: true, Data: data})
}

// writeError writes a failed envelope with a client-safe message.
func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, model.Envelope{Success: false, Error: message})
}

// readJSON decodes the request body as JSON into v and validates its struct
// tags. The body is closed after decoding regardless of success or failure.
// An empty body decodes as an empty object.
func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid JSON body", errBadRequest)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %s", errBadRequest, validationMessage(err))
	}
	return nil
}

// validationMessage renders validator errors as "field: rule" pairs.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := strings.ToLower(fe.Field()) + ": " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		parts = append(parts, msg)
	}
	return "invalid fields (" + strings.Join(parts, ", ") + ")"
}

// errorStatus maps domain errors to an HTTP status and a message that is
// safe to show to the caller. Unknown errors map to a generic 500.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, license.ErrInvalidStatus),
		errors.Is(err, license.ErrInvalidRequest),
		errors.Is(err, subscription.ErrUnknownPlan),
		errors.Is(err, subscription.ErrInvalidDays),
		errors.Is(err, session.ErrUnknownViolation),
		errors.Is(err, service.ErrWeakPassword):
		return http.StatusBadRequest, err.Error()

	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid credentials"
	case errors.Is(err, service.ErrInvalidToken),
		errors.Is(err, session.ErrSessionInvalid),
		errors.Is(err, session.ErrChallengeInvalid),
		errors.Is(err, session.ErrInvalidProof):
		return http.StatusUnauthorized, err.Error()

	case errors.Is(err, session.ErrLicenseInactive),
		errors.Is(err, session.ErrIntegrityRejected),
		errors.Is(err, device.ErrDeviceLimitExceeded):
		return http.StatusForbidden, err.Error()

	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, session.ErrLicenseNotFound),
		errors.Is(err, license.ErrNoMember):
		return http.StatusNotFound, err.Error()

	case errors.Is(err, license.ErrInvalidTransition),
		errors.Is(err, subscription.ErrInvalidTransition):
		return http.StatusConflict, err.Error()
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflicting change, retry"
	}
	return http.StatusInternalServerError, "internal error"
}

// fail writes the response for err. Server errors are logged with the request
// ID and never leak their cause.
func fail(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	code, msg := errorStatus(err)
	if code >= http.StatusInternalServerError {
		logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetRequestID(r.Context()),
			"error", err,
		)
	}
	writeError(w, code, msg)
}

// actor returns the log actor of the authenticated caller.
func actor(r *http.Request) string {
	return middleware.GetPrincipal(r.Context()).Actor()
}

// queryInt extracts an integer query parameter, returning defaultVal if the
// parameter is missing or cannot be parsed.
func queryInt(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// queryString extracts a string query parameter.
func queryString(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}

// clampInt constrains val to be within [min, max].
func clampInt(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
