package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/listingboost/lb_server/internal/pkg/logger"
)

const RequestIDHeader = "X-Request-ID"

// RequestID 沿用请求头中的 X-Request-ID，没有则生成
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = logger.NewRequestID()
		}

		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}
