package pricing

// Parsed は列挙値の解析結果です。
// 未知の値でも Value には入力値がそのまま入り、Recognized が false になります。
// 拒否するか素通しするかは呼び出し側が決めます。
type Parsed[T ~string] struct {
	Value      T
	Raw        string
	Recognized bool
}

func ParseMethod(raw string) Parsed[Method] {
	m := Method(raw)
	_, flat := flatRates[m]
	_, weighted := weightBrackets[m]
	return Parsed[Method]{Value: m, Raw: raw, Recognized: flat || weighted}
}

func ParsePostingMethod(raw string) Parsed[PostingMethod] {
	p := PostingMethod(raw)
	return Parsed[PostingMethod]{Value: p, Raw: raw, Recognized: p == MeteredMail || p == SelfDrop}
}
