package models

// APIResponse はすべてのエンドポイントで共通のレスポンス形式です
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"` // 稼働確認用
	Version string      `json:"version,omitempty"` // 稼働確認用
}

func Success(data interface{}) APIResponse {
	return APIResponse{Success: true, Data: data}
}

func Failure(message string) APIResponse {
	return APIResponse{Success: false, Error: message}
}
