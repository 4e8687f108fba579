package middleware

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"postpilot/logger"
	"postpilot/models"
)

const (
	HeaderRequestID      = "X-Request-ID"
	HeaderIdempotencyKey = "X-Idempotency-Key"

	ContextKeyRequestID = "request_id"

	headerCloudTrace = "X-Cloud-Trace-Context"
)

type Config struct {
	EnableLogger bool
	// トレースIDの付与に使う。空なら GOOGLE_CLOUD_PROJECT
	ProjectID    string
	EnableAuth   bool
	ServiceToken string
	// 認証を行わないパス
	SkipAuthPaths []string
	AllowOrigin   string
	RateLimiter   *RateLimiter
}

// SetupMiddleware ミドルウェアの設定
func SetupMiddleware(r *gin.Engine, cfg *Config) {
	r.Use(gin.Recovery())
	r.Use(RequestID())

	if cfg.EnableLogger {
		r.Use(GinLogger(cfg.ProjectID))
	}

	if cfg.AllowOrigin != "" {
		r.Use(CORS(cfg.AllowOrigin))
	}

	if cfg.RateLimiter != nil {
		r.Use(cfg.RateLimiter.Middleware())
	}

	if cfg.EnableAuth {
		r.Use(AuthMiddleware(cfg.ServiceToken, cfg.SkipAuthPaths...))
	}
}

// RequestID はリクエストIDを引き継ぐか新しく発行します
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ContextKeyRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// CORS はブラウザのフォームから直接呼び出せるようにヘッダーを付けます
func CORS(allowOrigin string) gin.HandlerFunc {
	allowHeaders := strings.Join([]string{
		"Content-Type",
		"Authorization",
		HeaderIdempotencyKey,
		HeaderRequestID,
	}, ", ")

	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", allowOrigin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", allowHeaders)
		c.Header("Access-Control-Expose-Headers", HeaderRequestID)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// AuthMiddleware 認証ミドルウェア
func AuthMiddleware(serviceToken string, skipPaths ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 現在のパスがスキップ対象かチェック
		path := c.Request.URL.Path
		for _, skipPath := range skipPaths {
			if path == skipPath {
				c.Next()
				return
			}
		}

		if authenticateRequest(c, serviceToken) {
			c.Next()
			return
		}

		logger.Logger.Warn("未認証リクエスト",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", c.GetString(ContextKeyRequestID)))
		c.AbortWithStatusJSON(http.StatusUnauthorized, models.Failure(models.MsgUnauthorized))
	}
}

// authenticateRequest SERVICE_TOKENによる認証チェック
func authenticateRequest(c *gin.Context, serviceToken string) bool {
	if serviceToken == "" {
		return false
	}
	authHeader := c.GetHeader("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return false
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	return subtle.ConstantTimeCompare([]byte(token), []byte(serviceToken)) == 1
}

// GinLogger はリクエストごとに1行のアクセスログを出力します。
// X-Cloud-Trace-Context があれば Cloud Logging のトレースと紐付けます。
func GinLogger(projectID string) gin.HandlerFunc {
	if projectID == "" {
		projectID = os.Getenv("GOOGLE_CLOUD_PROJECT")
	}

	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("query", c.Request.URL.RawQuery),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
			zap.String("user-agent", c.Request.UserAgent()),
			zap.String("request_id", c.GetString(ContextKeyRequestID)),
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			fields = append(fields, zap.String("errors", errs))
		}
		fields = append(fields, traceFields(projectID, c.GetHeader(headerCloudTrace))...)

		switch {
		case status >= http.StatusInternalServerError:
			logger.Logger.Error("リクエストの処理でサーバーエラー", fields...)
		case status >= http.StatusBadRequest:
			logger.Logger.Warn("リクエストの処理でクライアントエラー", fields...)
		default:
			logger.Logger.Info("リクエスト完了", fields...)
		}
	}
}

// traceFields は "TRACE_ID/SPAN_ID;o=1" 形式のヘッダーを Cloud Logging の特殊フィールドにします
func traceFields(projectID, header string) []zap.Field {
	if projectID == "" || header == "" {
		return nil
	}

	traceID, rest, _ := strings.Cut(header, "/")
	if traceID == "" {
		return nil
	}
	fields := []zap.Field{
		zap.String("logging.googleapis.com/trace", fmt.Sprintf("projects/%s/traces/%s", projectID, traceID)),
	}

	spanID, options, _ := strings.Cut(rest, ";")
	if spanID != "" {
		fields = append(fields, zap.String("logging.googleapis.com/spanId", spanID))
	}
	if options == "o=1" {
		fields = append(fields, zap.Bool("logging.googleapis.com/trace_sampled", true))
	}
	return fields
}
