package models

const (
	MsgMissingRequiredData  = "必須データが不足しています"
	MsgLedgerNotConfigured  = "スプレッドシートIDが設定されていません"
	MsgInvalidRequestFormat = "リクエストの形式が不正です"
	MsgUnknownError         = "不明なエラーが発生しました"

	MsgInvalidShippingMethod = "発送方法が不正です"
	MsgInvalidPostingMethod  = "投函方法が不正です"
	MsgInvalidWeight         = "重量は0より大きい値を指定してください"
	MsgRateLimited           = "リクエストが多すぎます。しばらくしてから再度お試しください"
	MsgUnauthorized          = "認証に失敗しました"
	MsgRequestInProgress     = "同じリクエストを処理中です。しばらくしてから再度お試しください"
)

// ValidationError はリクエスト内容の不備を表します。呼び出し元には400で返します
type ValidationError struct {
	Message string
	Field   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Message + ": " + e.Field
}

// ConfigurationError は台帳IDなど実行に必要な設定が欠けていることを表します
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return e.Message
}

// ConflictError は同じ冪等キーのリクエストがまだ処理中であることを表します。409で返します
type ConflictError struct {
	Message string
	Key     string
}

func (e *ConflictError) Error() string {
	return e.Message
}

func NewMissingDataError() *ValidationError {
	return &ValidationError{Message: MsgMissingRequiredData}
}

func NewLedgerNotConfiguredError() *ConfigurationError {
	return &ConfigurationError{Message: MsgLedgerNotConfigured}
}
