package pricing

import "postpilot/models"

// FeeQuote は料金の内訳です
type FeeQuote struct {
	Method           string  `json:"method"`
	Recognized       bool    `json:"recognized"`
	Weight           float64 `json:"weight"`
	BaseFee          int     `json:"baseFee"`
	ExpressSurcharge int     `json:"expressSurcharge"`
	Total            int     `json:"total"`
}

// ComputeFee は基本料金に速達加算を足した料金（円）を返します
func ComputeFee(data models.ShippingData) int {
	return Quote(data).Total
}

func Quote(data models.ShippingData) FeeQuote {
	method := ParseMethod(data.Method)

	surcharge := 0
	if data.Express {
		surcharge = ExpressSurcharge
	}
	base := BaseFee(method.Value, data.Weight)

	return FeeQuote{
		Method:           data.Method,
		Recognized:       method.Recognized,
		Weight:           data.Weight,
		BaseFee:          base,
		ExpressSurcharge: surcharge,
		Total:            base + surcharge,
	}
}
