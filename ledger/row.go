// Package ledger は発送記録と台帳の行（14列）との相互変換を扱います。
//
// 記録IDは台帳上の位置（ヘッダー行を除いた1始まりの連番）から作られます。
// 台帳の行が外部で削除・並べ替えされないことが前提で、このパッケージでは保証しません。
package ledger

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"postpilot/models"
	"postpilot/pricing"
)

const (
	// SheetName は台帳シートの名前です
	SheetName = "発送記録"
	// RecordIDPrefix は記録IDの接頭辞です
	RecordIDPrefix = "PM001-"
	// ExpressMarker は速達列に書き込む文字列です
	ExpressMarker = "速達"
	// ColumnCount は1行あたりの列数です
	ColumnCount = 14
)

// 列の位置
const (
	colTimestamp = iota
	colName
	colCompany
	colPostalCode
	colAddress
	colMethod
	colWeight
	colExpress
	colTrackingNumber
	colContentType
	colContentDetail
	colPostingMethod
	colFee
	colUserID
)

// Row は台帳の1行です。セルは文字列または数値です
type Row []interface{}

var header = [ColumnCount]string{
	"記録日時",
	"宛名",
	"会社名",
	"郵便番号",
	"住所",
	"発送方法",
	"重量(g)",
	"速達",
	"追跡番号",
	"内容1",
	"内容2",
	"投函方法",
	"料金",
	"ユーザーID",
}

// Header は台帳作成時に1行目へ書き込む見出しを返します
func Header() []string {
	h := make([]string, ColumnCount)
	copy(h, header[:])
	return h
}

// HeaderRow は Header を Row として返します
func HeaderRow() Row {
	row := make(Row, ColumnCount)
	for i, h := range header {
		row[i] = h
	}
	return row
}

// RecordID は台帳上の位置から記録IDを作ります
func RecordID(position int) string {
	return RecordIDPrefix + strconv.Itoa(position)
}

// ToRow は記録を台帳の行に変換します
func ToRow(record models.ShippingRecord) Row {
	addr := record.Address
	data := record.ShippingData

	express := ""
	if data.Express {
		express = ExpressMarker
	}

	return Row{
		colTimestamp:      record.Timestamp,
		colName:           addr.Name,
		colCompany:        addr.Company,
		colPostalCode:     addr.PostalCode,
		colAddress:        addr.Address,
		colMethod:         MethodLabel(data.Method),
		colWeight:         data.Weight,
		colExpress:        express,
		colTrackingNumber: data.TrackingNumber,
		colContentType:    data.ContentType,
		colContentDetail:  data.ContentDetail,
		colPostingMethod:  PostingLabel(data.PostingMethod),
		colFee:            record.Fee,
		colUserID:         record.UserID,
	}
}

// FromRow は台帳の行を記録に戻します。
// 速達は列の値が ExpressMarker と完全一致する場合のみ true です。
// 投函方法は「後納郵便」以外をすべて self-drop とみなすため、変換は可逆ではありません。
func FromRow(row Row, position int) models.ShippingRecord {
	return models.ShippingRecord{
		RecordID:  RecordID(position),
		Timestamp: cellString(row, colTimestamp),
		Address: models.Address{
			Name:       cellString(row, colName),
			Company:    cellString(row, colCompany),
			PostalCode: cellString(row, colPostalCode),
			Address:    cellString(row, colAddress),
		},
		ShippingData: models.ShippingData{
			Method:         MethodCode(cellString(row, colMethod)),
			Weight:         cellNumber(row, colWeight),
			Express:        cellString(row, colExpress) == ExpressMarker,
			TrackingNumber: cellString(row, colTrackingNumber),
			ContentType:    cellString(row, colContentType),
			ContentDetail:  cellString(row, colContentDetail),
			PostingMethod:  PostingMethodFromLabel(cellString(row, colPostingMethod)),
		},
		Fee:    int(math.Round(cellNumber(row, colFee))),
		UserID: cellString(row, colUserID),
	}
}

// FromRows はヘッダーを除いた行を順に記録へ変換します。位置は1始まりです
func FromRows(rows []Row) []models.ShippingRecord {
	records := make([]models.ShippingRecord, 0, len(rows))
	for i, row := range rows {
		records = append(records, FromRow(row, i+1))
	}
	return records
}

// Filter は userID が完全一致する記録だけを元の順序のまま返します。
// userID が空ならすべて返します。
func Filter(records []models.ShippingRecord, userID string) []models.ShippingRecord {
	if userID == "" {
		return records
	}
	filtered := make([]models.ShippingRecord, 0, len(records))
	for _, r := range records {
		if r.UserID == userID {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

// Strings はセルを文字列に揃えた行を返します
func (r Row) Strings() []string {
	out := make([]string, len(r))
	for i := range r {
		out[i] = cellString(r, i)
	}
	return out
}

func cellString(row Row, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	switch v := row[idx].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		return fmt.Sprint(v)
	}
}

func cellNumber(row Row, idx int) float64 {
	if idx < 0 || idx >= len(row) {
		return 0
	}
	switch v := row[idx].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

var methodLabels = map[pricing.Method]string{
	pricing.StandardRegular:   "普通郵便（規格内）",
	pricing.StandardIrregular: "普通郵便（規格外）",
	pricing.LetterpackLight:   "レターパックライト",
	pricing.LetterpackPlus:    "レターパックプラス",
}

var methodCodes = func() map[string]pricing.Method {
	codes := make(map[string]pricing.Method, len(methodLabels))
	for code, label := range methodLabels {
		codes[label] = code
	}
	return codes
}()

const (
	meteredMailLabel = "後納郵便"
	selfDropLabel    = "自分で投函"
)

// MethodLabel は発送方法の表示名を返します。未知のコードはそのまま返します
func MethodLabel(code string) string {
	if label, ok := methodLabels[pricing.Method(code)]; ok {
		return label
	}
	return code
}

// MethodCode は MethodLabel の逆変換です。未知の表示名はそのまま返します
func MethodCode(label string) string {
	if code, ok := methodCodes[label]; ok {
		return string(code)
	}
	return label
}

// PostingLabel は投函方法の表示名を返します。metered-mail 以外は「自分で投函」です
func PostingLabel(code string) string {
	if pricing.PostingMethod(code) == pricing.MeteredMail {
		return meteredMailLabel
	}
	return selfDropLabel
}

func PostingMethodFromLabel(label string) string {
	if label == meteredMailLabel {
		return string(pricing.MeteredMail)
	}
	return string(pricing.SelfDrop)
}
