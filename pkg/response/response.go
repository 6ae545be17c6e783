package response

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "teleconsult-backend/pkg/errors"
	"teleconsult-backend/pkg/logger"
)

// RequestIDKey is the gin context key the request logger stores the id under
const RequestIDKey = "request_id"

// Envelope wraps every HTTP API body
type Envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
	Meta    Meta       `json:"meta"`
}

// ErrorBody is the error half of an envelope
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Meta is attached to every envelope
type Meta struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

func meta(c *gin.Context) Meta {
	return Meta{Timestamp: time.Now().UTC(), RequestID: c.GetString(RequestIDKey)}
}

// Success writes data with the given status
func Success(c *gin.Context, statusCode int, data any) {
	c.JSON(statusCode, Envelope{Success: true, Data: data, Meta: meta(c)})
}

// Error writes an error body with the given status and code
func Error(c *gin.Context, statusCode int, errorCode, errorMessage string) {
	writeError(c, statusCode, &ErrorBody{Code: errorCode, Message: errorMessage})
}

// AppError writes err using its code and status. Errors that are not an
// AppError become 500 INTERNAL_ERROR. A 500 is logged with its cause since
// the body only carries the public message.
func AppError(c *gin.Context, err error) {
	appErr := apperrors.GetAppError(err)
	status := appErr.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError {
		logger.FromContext(c.Request.Context()).Error("Request failed",
			zap.String("code", string(appErr.Code)),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	writeError(c, status, &ErrorBody{
		Code:    string(appErr.Code),
		Message: appErr.Message,
		Details: appErr.Details,
	})
}

// ValidationError writes a 400 VALIDATION_ERROR
func ValidationError(c *gin.Context, message string) {
	AppError(c, apperrors.ValidationError(message))
}

// InternalError writes a 500 INTERNAL_ERROR without logging
func InternalError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, string(apperrors.ErrCodeInternal), message)
}

func writeError(c *gin.Context, status int, body *ErrorBody) {
	c.JSON(status, Envelope{Error: body, Meta: meta(c)})
}
