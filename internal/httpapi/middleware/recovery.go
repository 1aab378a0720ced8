package middleware

import (
	"log"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/portfolio-chat/internal/common"
)

// Recovery turns a panic into the usual 500 envelope.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("[http] panic rid=%s path=%s err=%v\n%s", c.GetString(RequestIDKey), c.Request.URL.Path, rec, debug.Stack())
				c.Abort()
				common.Fail(c, http.StatusInternalServerError, 50000, "internal server error")
			}
		}()
		c.Next()
	}
}
