package models

// Address は宛先情報です。形式チェックは行わず、存在のみを扱います
type Address struct {
	Name       string `json:"name" validate:"required"`
	Company    string `json:"company,omitempty"`
	PostalCode string `json:"postalCode" validate:"required"`
	Address    string `json:"address" validate:"required"`
}

// ShippingData は発送方法と荷物の情報です
type ShippingData struct {
	Method string `json:"method" validate:"required,shipping_method"`
	// グラム。レターパックでは無視されます
	Weight         float64 `json:"weight"`
	Express        bool    `json:"express"`
	TrackingNumber string  `json:"trackingNumber,omitempty"`
	ContentType    string  `json:"contentType" validate:"required"`
	ContentDetail  string  `json:"contentDetail,omitempty"`
	PostingMethod  string  `json:"postingMethod" validate:"posting_method"`
}

// ShippingRequest はフォームから送信される発送登録リクエストです
type ShippingRequest struct {
	Address      *Address      `json:"address" binding:"required" validate:"required"`
	ShippingData *ShippingData `json:"shippingData" binding:"required" validate:"required"`
	Timestamp    string        `json:"timestamp"`
	UserID       string        `json:"userId,omitempty"`
}

// ShippingRecord は台帳に記録された1件の発送記録です。
// Fee は作成時に一度だけ計算され、以後変更されません。
type ShippingRecord struct {
	RecordID     string       `json:"recordId"`
	Timestamp    string       `json:"timestamp"`
	Address      Address      `json:"address"`
	ShippingData ShippingData `json:"shippingData"`
	Fee          int          `json:"fee"`
	UserID       string       `json:"userId"`
}

// RecordResult は登録成功時に返す内容です
type RecordResult struct {
	RecordID  string `json:"recordId"`
	Fee       int    `json:"fee"`
	Timestamp string `json:"timestamp"`
}

// NewShippingRecord はリクエストと計算済み料金から記録を組み立てます
func NewShippingRecord(req ShippingRequest, recordID string, fee int) ShippingRecord {
	record := ShippingRecord{
		RecordID:  recordID,
		Timestamp: req.Timestamp,
		Fee:       fee,
		UserID:    req.UserID,
	}
	if req.Address != nil {
		record.Address = *req.Address
	}
	if req.ShippingData != nil {
		record.ShippingData = *req.ShippingData
	}
	return record
}
