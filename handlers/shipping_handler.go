package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"postpilot/logger"
	"postpilot/middleware"
	"postpilot/models"
	"postpilot/pricing"
)

const (
	APIMessage = "PM001 Shipping System API is running"
	APIVersion = "1.0.0"

	actionGetHistory = "getHistory"

	// 冪等キーで前回の結果を返したときに付けるヘッダー
	HeaderIdempotentReplay = "Idempotent-Replayed"
)

// ShippingService はハンドラーが使う発送記録サービスです
type ShippingService interface {
	RecordOnce(ctx context.Context, key string, req *models.ShippingRequest) (*models.RecordResult, bool, error)
	History(ctx context.Context, userID string) ([]models.ShippingRecord, error)
	Quote(data models.ShippingData) pricing.FeeQuote
}

type ShippingHandler struct {
	service ShippingService
}

func NewShippingHandler(service ShippingService) *ShippingHandler {
	return &ShippingHandler{service: service}
}

// HandleRecord は発送記録を登録します。
// フォームは text/plain で送信するため Content-Type に関わらずJSONとして読みます。
func (h *ShippingHandler) HandleRecord(c *gin.Context) {
	logFields := requestFields(c, "HandleRecord")

	var req models.ShippingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			respondError(c, models.NewMissingDataError(), logFields)
			return
		}
		respondError(c, &models.ValidationError{Message: models.MsgInvalidRequestFormat}, append(logFields, zap.NamedError("bind_error", err)))
		return
	}

	key := c.GetHeader(middleware.HeaderIdempotencyKey)
	result, replayed, err := h.service.RecordOnce(c.Request.Context(), key, &req)
	if err != nil {
		respondError(c, err, logFields)
		return
	}
	if replayed {
		c.Header(HeaderIdempotentReplay, "true")
	}

	logger.Logger.Debug("発送記録の登録に成功しました",
		append(logFields,
			zap.String("record_id", result.RecordID),
			zap.Int("fee", result.Fee),
			zap.Bool("replayed", replayed))...)

	c.JSON(http.StatusOK, models.Success(result))
}

// HandleRoot は稼働確認を返します。action=getHistory のときは履歴を返します
func (h *ShippingHandler) HandleRoot(c *gin.Context) {
	if c.Query("action") == actionGetHistory {
		h.HandleHistory(c)
		return
	}

	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: APIMessage,
		Version: APIVersion,
	})
}

func (h *ShippingHandler) HandleHistory(c *gin.Context) {
	logFields := requestFields(c, "HandleHistory")
	userID := c.Query("userId")

	records, err := h.service.History(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err, append(logFields, zap.String("user_id", userID)))
		return
	}

	c.JSON(http.StatusOK, models.Success(records))
}

// HandleFee は記録せずに料金を計算します
func (h *ShippingHandler) HandleFee(c *gin.Context) {
	logFields := requestFields(c, "HandleFee")

	data := models.ShippingData{Method: c.Query("method")}

	if raw := c.Query("weight"); raw != "" {
		weight, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			respondError(c, &models.ValidationError{Message: models.MsgInvalidRequestFormat, Field: "weight"}, logFields)
			return
		}
		data.Weight = weight
	}
	if raw := c.Query("express"); raw != "" {
		express, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(c, &models.ValidationError{Message: models.MsgInvalidRequestFormat, Field: "express"}, logFields)
			return
		}
		data.Express = express
	}

	c.JSON(http.StatusOK, models.Success(h.service.Quote(data)))
}

// HandleHealth はヘルスチェックエンドポイントを処理します
func HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func requestFields(c *gin.Context, handler string) []zap.Field {
	return []zap.Field{
		zap.String("handler", handler),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.String("request_id", c.GetString(middleware.ContextKeyRequestID)),
	}
}

// respondError はエラーの種類に応じたステータスで共通形式のエラーを返します
func respondError(c *gin.Context, err error, logFields []zap.Field) {
	var (
		vErr    *models.ValidationError
		cErr    *models.ConfigurationError
		confErr *models.ConflictError
	)

	switch {
	case errors.As(err, &vErr):
		logger.Logger.Warn("リクエストの検証に失敗しました",
			append(logFields, zap.String("field", vErr.Field), zap.String("reason", vErr.Message))...)
		// Field があれば「メッセージ: フィールド」の形で返す
		c.JSON(http.StatusBadRequest, models.Failure(vErr.Error()))
	case errors.As(err, &confErr):
		logger.Logger.Warn("同じ冪等キーのリクエストが処理中です",
			append(logFields, zap.String("idempotency_key", confErr.Key))...)
		c.JSON(http.StatusConflict, models.Failure(confErr.Message))
	case errors.As(err, &cErr):
		logger.Logger.Error("設定が不足しています",
			append(logFields, zap.Error(err))...)
		c.JSON(http.StatusInternalServerError, models.Failure(cErr.Message))
	default:
		logger.Logger.Error("リクエストの処理に失敗しました",
			append(logFields, zap.Error(err))...)
		message := err.Error()
		if message == "" {
			message = models.MsgUnknownError
		}
		c.JSON(http.StatusInternalServerError, models.Failure(message))
	}
}
