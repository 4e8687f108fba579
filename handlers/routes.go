package handlers

import "github.com/gin-gonic/gin"

// RegisterRoutes はエンドポイントを登録します
func RegisterRoutes(r *gin.Engine, h *ShippingHandler) {
	r.GET("/health", HandleHealth)
	r.GET("/", h.HandleRoot)
	r.POST("/", h.HandleRecord)
	r.POST("/records", h.HandleRecord)
	r.GET("/history", h.HandleHistory)
	r.GET("/fee", h.HandleFee)
}
