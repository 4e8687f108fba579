// Package pricing は郵便料金表と料金計算を提供します。
// 料金表はプロセスの生存期間中に変化しません。
package pricing

// Method は発送方法のコードです
type Method string

const (
	StandardRegular   Method = "standard_regular"   // 普通郵便（規格内）
	StandardIrregular Method = "standard_irregular" // 普通郵便（規格外）
	LetterpackLight   Method = "letterpack-light"
	LetterpackPlus    Method = "letterpack-plus"
)

// PostingMethod は投函方法です。料金には影響せず表示にのみ使います
type PostingMethod string

const (
	MeteredMail PostingMethod = "metered-mail" // 後納郵便
	SelfDrop    PostingMethod = "self-drop"    // 自分で投函
)

// ExpressSurcharge は速達の加算額（円）です。発送方法・重量に関係なく加算されます
const ExpressSurcharge = 250

// MaxDeclaredBracket は料金表で定義されている最も重い区分の上限（g）です。
// これを超える重量にも同じ区分の料金が適用されます（既知の制限）。
const MaxDeclaredBracket = 250.0

type weightBracket struct {
	maxGrams float64 // 上限を含む
	fee      int
}

var flatRates = map[Method]int{
	LetterpackLight: 430,
	LetterpackPlus:  600,
}

// 区分は昇順で評価し、最初に一致したものを使います
var weightBrackets = map[Method][]weightBracket{
	StandardRegular: {
		{maxGrams: 50, fee: 140},
		{maxGrams: 100, fee: 180},
		{maxGrams: 150, fee: 270},
		{maxGrams: MaxDeclaredBracket, fee: 320},
	},
	StandardIrregular: {
		{maxGrams: 50, fee: 260},
		{maxGrams: 100, fee: 290},
		{maxGrams: 150, fee: 390},
		{maxGrams: MaxDeclaredBracket, fee: 450},
	},
}

// BaseFee は速達加算前の基本料金を返します。
// 未知の発送方法は 0 円です。重量の正負は検査しないため、0 以下の重量は最軽量区分になります。
func BaseFee(method Method, weightGrams float64) int {
	if fee, ok := flatRates[method]; ok {
		return fee
	}

	brackets, ok := weightBrackets[method]
	if !ok {
		return 0
	}
	for _, b := range brackets {
		if weightGrams <= b.maxGrams {
			return b.fee
		}
	}
	return brackets[len(brackets)-1].fee
}

// IsFlatRate は重量に関係なく料金が決まる発送方法かを返します
func IsFlatRate(method Method) bool {
	_, ok := flatRates[method]
	return ok
}

// Methods は既知の発送方法をすべて返します
func Methods() []Method {
	return []Method{StandardRegular, StandardIrregular, LetterpackLight, LetterpackPlus}
}
