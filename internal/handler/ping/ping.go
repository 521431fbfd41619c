package ping

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Ping 健康检查，启动探活和负载均衡探测用
func Ping() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.String(http.StatusOK, "\r\nSuccess")
	}
}
