package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"quantflow/pkg/logger"
)

const RequestIDKey = "request_id"

// RequestID 每个请求分配一个id，响应头回传，日志串联用
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Set(RequestIDKey, reqID)
		c.Header("X-Request-Id", reqID)
		c.Next()
	}
}

// Logger 访问日志
func Logger(c *gin.Context) {
	t := time.Now()
	reqPath := c.Request.URL.Path
	method := c.Request.Method
	ip := c.ClientIP()

	c.Next()

	logger.Info("[Request]",
		logger.Pair(RequestIDKey, c.GetString(RequestIDKey)),
		logger.Pair("host", ip),
		logger.Pair("path", reqPath),
		logger.Pair("method", method),
		logger.Pair("status", c.Writer.Status()),
		logger.Pair("latency", time.Since(t).String()))
}

// NoCache 控制客户端不要使用缓存
func NoCache() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-cache, max-age=0, must-revalidate")
		c.Header("Expires", "Thu, 01 Jan 1970 00:00:00 GMT")
		c.Header("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		c.Next()
	}
}

// Options 处理跨域预检请求
func Options() gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.ToUpper(c.Request.Method) != "OPTIONS" {
			c.Next()
		} else {
			c.Header("Access-Control-Allow-Origin", "*")
			c.Header("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
			c.Header("Access-Control-Allow-Headers", "authorization, origin, content-type, accept")
			c.Header("Allow", "HEAD,GET,POST,PUT,PATCH,DELETE,OPTIONS")
			c.Header("Content-State", "application/json")
			c.AbortWithStatus(http.StatusOK)
		}
	}
}
