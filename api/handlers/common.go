// Package handlers implements the gateway's two HTTP surfaces: the
// management API over registered endpoints and the OpenAI-compatible
// inference API that ProxyCore fronts.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/llmlb/llmlb/internal/errs"
)

// Response is the envelope every management-API response (success or
// failure) is wrapped in.
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ErrorInfo is the wire shape of a failed Response's error field.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteJSON writes data as a JSON body with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess wraps data in a successful Response and writes it with
// status 200.
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, Response{Success: true, Data: data, Timestamp: time.Now()})
}

// WriteCreated is WriteSuccess at status 201, used by the endpoint
// creation route.
func WriteCreated(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusCreated, Response{Success: true, Data: data, Timestamp: time.Now()})
}

// WriteError translates a *errs.Error into its HTTP response. A
// errs.Cancelled error carries HTTPStatus 0 because the client is
// already gone; callers must not call WriteError for it (checked by
// the caller, since only ProxyCore's Forward path can produce one).
func WriteError(w http.ResponseWriter, err error, logger *zap.Logger) {
	e, ok := errs.As(err)
	if !ok {
		e = errs.New(errs.Internal, "internal error").WithCause(err)
	}
	status := e.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if status >= 500 {
		logger.Error("request failed", zap.String("code", string(e.Code)), zap.Error(e))
	} else {
		logger.Warn("request rejected", zap.String("code", string(e.Code)), zap.String("message", e.Message))
	}
	WriteJSON(w, status, Response{
		Success:   false,
		Error:     &ErrorInfo{Code: string(e.Code), Message: e.Message},
		Timestamp: time.Now(),
	})
}

// WriteErrorMessage is a shorthand for building and writing an
// ad-hoc errs.Error with no deeper cause, e.g. a validation failure.
func WriteErrorMessage(w http.ResponseWriter, code errs.Code, message string, logger *zap.Logger) {
	WriteError(w, errs.New(code, message), logger)
}

// maxBodyBytes bounds a decoded request body, guarding against a
// client streaming an unbounded payload into the server.
const maxBodyBytes = 1 << 20 // 1MB

// DecodeJSONBody decodes r's body into dst with strict field checking
// and a size cap, writing the appropriate error response itself on
// failure. Callers should return immediately when it returns an error.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		WriteErrorMessage(w, errs.InvalidInput, "request body is not valid JSON: "+err.Error(), logger)
		return err
	}
	return nil
}

// ResponseWriter wraps http.ResponseWriter to capture the status code
// ultimately written, for middleware that needs it after the handler
// returns (request logging, tracing spans).
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
}

// NewResponseWriter wraps w.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
}

func (rw *ResponseWriter) WriteHeader(status int) {
	if !rw.Written {
		rw.StatusCode = status
		rw.Written = true
	}
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.StatusCode = http.StatusOK
		rw.Written = true
	}
	return rw.ResponseWriter.Write(b)
}

// Flush implements http.Flusher so streamed responses are not buffered
// behind the wrapper.
func (rw *ResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
