package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/caresync/resilience-core/pkg/errors"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents an API error
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func requestID(c *gin.Context) string {
	if id, exists := c.Get("request_id"); exists {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// ErrorResponse maps an application error to its HTTP status
func ErrorResponse(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL_ERROR"
	message := "internal error"

	if appErr, ok := err.(*errors.AppError); ok {
		code = appErr.Code
		message = appErr.Message
		switch appErr.Type {
		case errors.ErrorTypeValidation:
			status = http.StatusBadRequest
		case errors.ErrorTypeNotFound:
			status = http.StatusNotFound
		case errors.ErrorTypeConflict:
			status = http.StatusConflict
		case errors.ErrorTypeRateLimit:
			status = http.StatusTooManyRequests
		case errors.ErrorTypeTimeout:
			status = http.StatusGatewayTimeout
		}
	} else if err != nil {
		message = err.Error()
	}

	c.JSON(status, APIResponse{
		Success:   false,
		Error:     &APIError{Code: code, Message: message},
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// NotFoundResponse sends a 404 response
func NotFoundResponse(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, APIResponse{
		Success:   false,
		Error:     &APIError{Code: "NOT_FOUND", Message: message},
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// BadRequestResponse sends a 400 response
func BadRequestResponse(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, APIResponse{
		Success:   false,
		Error:     &APIError{Code: "BAD_REQUEST", Message: message},
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}
