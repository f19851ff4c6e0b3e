package middleware

import (
	"net/http"

	apperrors "relaycast/pkg/errors"
	rlog "relaycast/pkg/logger"
	"relaycast/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestIDHeader carries the request id in and out of the ops API.
const RequestIDHeader = "X-Request-ID"

// ErrorBody is the ops API error envelope. It uses the same error and code
// fields as the signaling error message.
type ErrorBody struct {
	Error     string                 `json:"error"`
	Code      string                 `json:"code"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// ErrorHandlerMiddleware tags each request with an id and renders the last
// error a handler attached with c.Error.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	ctxLog := rlog.NewContextLogger(logger.Desugar())

	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = utils.NewID("req")
		}
		c.Header(RequestIDHeader, requestID)
		c.Request = c.Request.WithContext(rlog.WithRequestID(c.Request.Context(), requestID))

		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		log := ctxLog.Sugar(c.Request.Context())

		appErr := apperrors.GetAppError(err)
		if appErr == nil {
			log.Errorw("unhandled error",
				"error", err,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
			appErr = apperrors.NewInternalError("internal server error")
		} else if appErr.HTTPStatus >= http.StatusInternalServerError {
			log.Errorw("request failed",
				"code", appErr.Code,
				"error", err,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
		} else {
			log.Debugw("request rejected",
				"code", appErr.Code,
				"message", appErr.Message,
				"path", c.Request.URL.Path,
			)
		}

		c.JSON(appErr.HTTPStatus, ErrorBody{
			Error:     appErr.Message,
			Code:      string(appErr.Code),
			RequestID: requestID,
			Details:   appErr.Context,
		})
	}
}

// RecoveryMiddleware turns a handler panic into a 500 envelope.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	ctxLog := rlog.NewContextLogger(logger.Desugar())

	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				ctxLog.Sugar(c.Request.Context()).Errorw("panic recovered",
					"panic", rec,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorBody{
					Error:     "internal server error",
					Code:      string(apperrors.ErrCodeInternal),
					RequestID: c.Writer.Header().Get(RequestIDHeader),
				})
			}
		}()

		c.Next()
	}
}
