package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Common error codes
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeDuplicateResource = "DUPLICATE_RESOURCE"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeUnavailable       = "SERVICE_UNAVAILABLE"
)

// ErrInvalidInput marks errors caused by the caller's input. Wrap it to get
// a 400 from Handle.
var ErrInvalidInput = errors.New("invalid input")

// FieldErrors is implemented by validation errors that can name the
// offending fields.
type FieldErrors interface {
	error
	FieldErrors() map[string]string
}

// Handle processes the error and returns appropriate response
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "Resource not found")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, err.Error())
	default:
		handleError(c, err)
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == "POST" {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// Accepted sends a 202 for work that continues after the response
func Accepted(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, Response{
		Success: true,
		Data:    data,
	})
}

func fail(c *gin.Context, status int, e *Error) {
	c.JSON(status, Response{Success: false, Error: e})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	fail(c, http.StatusNotFound, &Error{Code: ErrCodeNotFound, Message: message})
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	fail(c, http.StatusBadRequest, &Error{Code: ErrCodeBadRequest, Message: message})
}

// ValidationFailed sends a 400 response naming the invalid fields
func ValidationFailed(c *gin.Context, message string, fields map[string]string) {
	fail(c, http.StatusBadRequest, &Error{Code: ErrCodeValidationFailed, Message: message, Fields: fields})
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	fail(c, http.StatusUnauthorized, &Error{Code: ErrCodeUnauthorized, Message: message})
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	fail(c, http.StatusForbidden, &Error{Code: ErrCodeForbidden, Message: message})
}

// TooManyRequests sends a 429 response
func TooManyRequests(c *gin.Context, message string) {
	fail(c, http.StatusTooManyRequests, &Error{Code: ErrCodeRateLimited, Message: message})
}

// ServiceUnavailable sends a 503 response
func ServiceUnavailable(c *gin.Context, message string) {
	fail(c, http.StatusServiceUnavailable, &Error{Code: ErrCodeUnavailable, Message: message})
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	fail(c, http.StatusInternalServerError, &Error{Code: ErrCodeInternalError, Message: message})
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	fail(c, http.StatusConflict, &Error{Code: ErrCodeDuplicateResource, Message: message})
}

// handleError determines the appropriate error response
func handleError(c *gin.Context, err error) {
	var fieldErr FieldErrors
	if errors.As(err, &fieldErr) {
		ValidationFailed(c, fieldErr.Error(), fieldErr.FieldErrors())
		return
	}
	if errors.Is(err, ErrInvalidInput) {
		ValidationFailed(c, err.Error(), nil)
		return
	}

	// Default to internal server error
	InternalError(c, "An unexpected error occurred")
}
