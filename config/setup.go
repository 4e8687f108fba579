package config

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"

	"postpilot/logger"
)

// 台帳の保存先
const (
	BackendSheets    = "sheets"
	BackendPostgres  = "postgres"
	BackendDatastore = "datastore"
	BackendMemory    = "memory"
)

// ServerConfig サーバーの基本設定
type ServerConfig struct {
	Port        string
	GinMode     string
	LogLevel    zapcore.Level
	Environment string
	ProjectID   string
	ServiceName string

	// 台帳
	LedgerBackend   string
	LedgerID        string
	SheetName       string
	CredentialsFile string
	SheetsAPIBase   string
	SheetsToken     string
	Database        DatabaseConfig

	// 冪等性
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	IdempotencyTTL time.Duration

	// 通知
	KafkaBrokers   []string
	KafkaTopic     string
	SendGridAPIKey string
	NotifyFromName string
	NotifyFromAddr string
	NotifyToAddr   string

	// アクセス制御
	ServiceToken     string
	EnableAuth       bool
	RateLimitRPS     float64
	RateLimitBurst   int
	CORSAllowOrigin  string
	StrictValidation bool

	ShutdownTimeout time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
}

// DatabaseConfig は LEDGER_BACKEND=postgres のときの接続情報です
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
	Debug    bool
}

// InitConfig は環境設定を初期化します
func InitConfig() (*ServerConfig, error) {
	// .envファイルの読み込み
	if err := godotenv.Load(); err != nil {
		fmt.Println(".envファイルが見つかりません")
	}

	// ログレベルの設定
	logLevel := initLogLevel()

	// Ginモードの設定
	ginMode := initGinMode()

	environment := getEnv("ENVIRONMENT", "development")

	config := &ServerConfig{
		Port:        getEnv("SERVER_PORT", "8080"),
		GinMode:     ginMode,
		LogLevel:    logLevel,
		Environment: environment,
		ProjectID:   getEnv("GOOGLE_CLOUD_PROJECT", ""),
		ServiceName: getEnv("K_SERVICE", "postpilot"),

		LedgerBackend:   strings.ToLower(getEnv("LEDGER_BACKEND", BackendSheets)),
		LedgerID:        getEnv("LEDGER_ID", getEnv("SPREADSHEET_ID", "")),
		SheetName:       getEnv("LEDGER_SHEET_NAME", ""),
		CredentialsFile: getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),
		SheetsAPIBase:   getEnv("SHEETS_API_BASE", ""),
		SheetsToken:     getEnv("SHEETS_ACCESS_TOKEN", ""),
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", ""),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", ""),
			Password: getEnv("DB_PASSWORD", ""),
			Name:     getEnv("DB_NAME", ""),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			Debug:    getBool("DEBUG", false),
		},

		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getInt("REDIS_DB", 0),
		IdempotencyTTL: getDuration("IDEMPOTENCY_TTL", 24*time.Hour),

		KafkaBrokers:   getList("KAFKA_BROKERS"),
		KafkaTopic:     getEnv("KAFKA_TOPIC", "shipping-records"),
		SendGridAPIKey: getEnv("SENDGRID_API_KEY", ""),
		NotifyFromName: getEnv("NOTIFY_FROM_NAME", "PM001 発送管理"),
		NotifyFromAddr: getEnv("NOTIFY_FROM_ADDRESS", ""),
		NotifyToAddr:   getEnv("NOTIFY_TO_ADDRESS", ""),

		ServiceToken: getEnv("SERVICE_TOKEN", ""),
		// 本番環境の場合のみ既定で認証を有効化
		EnableAuth:       getBool("ENABLE_AUTH", environment == "production"),
		RateLimitRPS:     getFloat("RATE_LIMIT_RPS", 5),
		RateLimitBurst:   getInt("RATE_LIMIT_BURST", 10),
		CORSAllowOrigin:  getEnv("CORS_ALLOW_ORIGIN", "*"),
		StrictValidation: getBool("STRICT_VALIDATION", false),

		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		ReadTimeout:     getDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:     getDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
	}

	return config, config.Validate()
}

// Validate は保存先ごとに必要な設定を確認します。
// 台帳IDはここでは必須にせず、未設定なら登録時にエラーを返します。
func (c *ServerConfig) Validate() error {
	switch c.LedgerBackend {
	case BackendSheets, BackendMemory:
	case BackendPostgres:
		if c.Database.Host == "" || c.Database.User == "" || c.Database.Name == "" {
			return fmt.Errorf("DB_HOST, DB_USER and DB_NAME are required for LEDGER_BACKEND=postgres")
		}
	case BackendDatastore:
		if c.ProjectID == "" {
			return fmt.Errorf("GOOGLE_CLOUD_PROJECT is required for LEDGER_BACKEND=datastore")
		}
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND: %q", c.LedgerBackend)
	}

	if c.EnableAuth && c.ServiceToken == "" {
		return fmt.Errorf("SERVICE_TOKEN is required when authentication is enabled")
	}
	if c.SendGridAPIKey != "" && (c.NotifyFromAddr == "" || c.NotifyToAddr == "") {
		return fmt.Errorf("NOTIFY_FROM_ADDRESS and NOTIFY_TO_ADDRESS are required when SENDGRID_API_KEY is set")
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}
	// バースト0のリミッターはすべてのリクエストを拒否する
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be at least 1 when RATE_LIMIT_RPS is set")
	}
	return nil
}

// SetupServer はサーバーの設定を行います
func SetupServer(r *gin.Engine, config *ServerConfig) *http.Server {
	// ルート情報の表示
	displayServerConfig(r, config)

	return &http.Server{
		Addr:              ":" + config.Port,
		Handler:           r,
		ReadTimeout:       config.ReadTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func initLogLevel() zapcore.Level {
	logLevelStr := getEnv("LOG_LEVEL", "info")
	var logLevel zapcore.Level
	if err := logLevel.UnmarshalText([]byte(logLevelStr)); err != nil {
		fmt.Printf("Invalid LOG_LEVEL '%s', defaulting to 'info'\n", logLevelStr)
		logLevel = zapcore.InfoLevel
	}
	logger.LogLevel.SetLevel(logLevel)
	return logLevel
}

func initGinMode() string {
	ginMode := os.Getenv("GIN_MODE")
	if ginMode == "" {
		ginMode = "release"
	}
	gin.SetMode(ginMode)
	return ginMode
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getList(key string) []string {
	var list []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			list = append(list, v)
		}
	}
	return list
}

func displayServerConfig(r *gin.Engine, config *ServerConfig) {
	var routeInfo strings.Builder
	routeInfo.WriteString("Registered Endpoints:\n")
	for _, route := range r.Routes() {
		routeInfo.WriteString(fmt.Sprintf("- %s: %s -> %s\n",
			route.Method,
			route.Path,
			route.Handler))
	}

	ledgerID := config.LedgerID
	if ledgerID == "" {
		ledgerID = "(未設定)"
	}

	fmt.Printf("\n"+
		"=================================\n"+
		"Server Configuration:\n"+
		"- Port: %s\n"+
		"- Mode: %s\n"+
		"- Log Level: %s\n"+
		"- Environment: %s\n"+
		"- Service: %s\n"+
		"- Ledger: %s (%s)\n"+
		"- Auth: %t\n"+
		"- Strict Validation: %t\n"+
		"=================================\n"+
		"%s"+
		"=================================\n",
		config.Port,
		config.GinMode,
		logger.LogLevel.String(),
		config.Environment,
		config.ServiceName,
		config.LedgerBackend,
		ledgerID,
		config.EnableAuth,
		config.StrictValidation,
		routeInfo.String())
}
