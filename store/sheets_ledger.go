package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"postpilot/ledger"
	"postpilot/logger"
)

const DefaultSheetsAPIBase = "https://sheets.googleapis.com/v4/spreadsheets"

// lastColumn は ColumnCount 列目の列名です
const lastColumn = "N"

// SheetsLedger は Google スプレッドシートの1シートを台帳として扱います。
// ledgerID はスプレッドシートIDです。
type SheetsLedger struct {
	baseURL    string
	sheetName  string
	tokens     TokenSource
	httpClient *http.Client
	logger     *zap.Logger

	// ヘッダー作成済みのスプレッドシート
	ready sync.Map
}

type SheetsOption func(*SheetsLedger)

func WithSheetsAPIBase(base string) SheetsOption {
	return func(s *SheetsLedger) {
		if base != "" {
			s.baseURL = strings.TrimRight(base, "/")
		}
	}
}

func WithSheetName(name string) SheetsOption {
	return func(s *SheetsLedger) {
		if name != "" {
			s.sheetName = name
		}
	}
}

func WithHTTPClient(c *http.Client) SheetsOption {
	return func(s *SheetsLedger) {
		if c != nil {
			s.httpClient = c
		}
	}
}

func NewSheetsLedger(tokens TokenSource, opts ...SheetsOption) *SheetsLedger {
	s := &SheetsLedger{
		baseURL:    DefaultSheetsAPIBase,
		sheetName:  ledger.SheetName,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.Logger.Named("sheets"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SheetsLedger) Append(ctx context.Context, ledgerID string, row ledger.Row) (int, error) {
	if err := s.ensureSheet(ctx, ledgerID); err != nil {
		return 0, err
	}

	// RAW で書き込み、日時文字列などが自動変換されないようにする
	u := fmt.Sprintf("%s/%s/values/%s:append?valueInputOption=RAW&insertDataOption=INSERT_ROWS",
		s.baseURL,
		url.PathEscape(ledgerID),
		url.PathEscape(s.a1Range("A1:"+lastColumn+"1")))

	body := valueRange{Values: [][]interface{}{row}}
	var resp appendResponse
	if err := s.do(ctx, http.MethodPost, u, body, &resp); err != nil {
		return 0, fmt.Errorf("failed to append row: %w", err)
	}

	rowNumber, err := firstRowOfRange(resp.Updates.UpdatedRange)
	if err != nil {
		return 0, err
	}

	// 1行目はヘッダー
	position := rowNumber - 1
	s.logger.Debug("台帳に行を追加しました",
		zap.String("ledger_id", ledgerID),
		zap.String("updated_range", resp.Updates.UpdatedRange),
		zap.Int("position", position))
	return position, nil
}

func (s *SheetsLedger) Rows(ctx context.Context, ledgerID string) ([]ledger.Row, error) {
	exists, _, err := s.lookupSheet(ctx, ledgerID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrLedgerNotFound
	}

	u := fmt.Sprintf("%s/%s/values/%s?valueRenderOption=UNFORMATTED_VALUE",
		s.baseURL,
		url.PathEscape(ledgerID),
		url.PathEscape(s.a1Range("A2:"+lastColumn)))

	var resp valueRange
	if err := s.do(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}

	rows := make([]ledger.Row, len(resp.Values))
	for i, v := range resp.Values {
		rows[i] = ledger.Row(v)
	}
	return rows, nil
}

// ensureSheet はシートが無ければ作成し、太字のヘッダー行を書き込みます
func (s *SheetsLedger) ensureSheet(ctx context.Context, ledgerID string) error {
	if _, ok := s.ready.Load(ledgerID); ok {
		return nil
	}

	exists, _, err := s.lookupSheet(ctx, ledgerID)
	if err != nil {
		return err
	}
	if exists {
		s.ready.Store(ledgerID, struct{}{})
		return nil
	}

	s.logger.Info("台帳シートを作成します",
		zap.String("ledger_id", ledgerID),
		zap.String("sheet", s.sheetName))

	addReq := batchUpdateRequest{Requests: []map[string]interface{}{
		{"addSheet": map[string]interface{}{
			"properties": map[string]interface{}{"title": s.sheetName},
		}},
	}}
	var addResp batchUpdateResponse
	if err := s.do(ctx, http.MethodPost, s.batchUpdateURL(ledgerID), addReq, &addResp); err != nil {
		return fmt.Errorf("failed to add sheet: %w", err)
	}
	if len(addResp.Replies) == 0 || addResp.Replies[0].AddSheet == nil {
		return fmt.Errorf("addSheet reply is missing")
	}
	sheetID := addResp.Replies[0].AddSheet.Properties.SheetID

	headerURL := fmt.Sprintf("%s/%s/values/%s?valueInputOption=RAW",
		s.baseURL,
		url.PathEscape(ledgerID),
		url.PathEscape(s.a1Range("A1:"+lastColumn+"1")))
	header := valueRange{Values: [][]interface{}{ledger.HeaderRow()}}
	if err := s.do(ctx, http.MethodPut, headerURL, header, nil); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	boldReq := batchUpdateRequest{Requests: []map[string]interface{}{
		{"repeatCell": map[string]interface{}{
			"range": map[string]interface{}{
				"sheetId":          sheetID,
				"startRowIndex":    0,
				"endRowIndex":      1,
				"startColumnIndex": 0,
				"endColumnIndex":   ledger.ColumnCount,
			},
			"cell": map[string]interface{}{
				"userEnteredFormat": map[string]interface{}{
					"textFormat": map[string]interface{}{"bold": true},
				},
			},
			"fields": "userEnteredFormat.textFormat.bold",
		}},
	}}
	if err := s.do(ctx, http.MethodPost, s.batchUpdateURL(ledgerID), boldReq, nil); err != nil {
		// 書式は記録に影響しない
		s.logger.Warn("ヘッダーの書式設定に失敗しました",
			zap.String("ledger_id", ledgerID),
			zap.Error(err))
	}

	s.ready.Store(ledgerID, struct{}{})
	return nil
}

func (s *SheetsLedger) lookupSheet(ctx context.Context, ledgerID string) (bool, int64, error) {
	u := fmt.Sprintf("%s/%s?fields=%s",
		s.baseURL,
		url.PathEscape(ledgerID),
		url.QueryEscape("sheets.properties(sheetId,title)"))

	var meta spreadsheetMeta
	if err := s.do(ctx, http.MethodGet, u, nil, &meta); err != nil {
		return false, 0, fmt.Errorf("failed to get spreadsheet metadata: %w", err)
	}
	for _, sh := range meta.Sheets {
		if sh.Properties.Title == s.sheetName {
			return true, sh.Properties.SheetID, nil
		}
	}
	return false, 0, nil
}

func (s *SheetsLedger) batchUpdateURL(ledgerID string) string {
	return fmt.Sprintf("%s/%s:batchUpdate", s.baseURL, url.PathEscape(ledgerID))
}

func (s *SheetsLedger) a1Range(cells string) string {
	return "'" + strings.ReplaceAll(s.sheetName, "'", "''") + "'!" + cells
}

// --- Sheets API raw HTTP ---

type valueRange struct {
	Range  string          `json:"range,omitempty"`
	Values [][]interface{} `json:"values"`
}

type appendResponse struct {
	Updates struct {
		UpdatedRange string `json:"updatedRange"`
		UpdatedRows  int    `json:"updatedRows"`
	} `json:"updates"`
}

type sheetProperties struct {
	SheetID int64  `json:"sheetId"`
	Title   string `json:"title"`
}

type spreadsheetMeta struct {
	Sheets []struct {
		Properties sheetProperties `json:"properties"`
	} `json:"sheets"`
}

type batchUpdateRequest struct {
	Requests []map[string]interface{} `json:"requests"`
}

type batchUpdateResponse struct {
	Replies []struct {
		AddSheet *struct {
			Properties sheetProperties `json:"properties"`
		} `json:"addSheet,omitempty"`
	} `json:"replies"`
}

// SheetsAPIError は Sheets API がエラーを返したことを表します
type SheetsAPIError struct {
	StatusCode int
	Body       string
}

func (e *SheetsAPIError) Error() string {
	return fmt.Sprintf("Sheets API error (HTTP %d): %s", e.StatusCode, e.Body)
}

func (s *SheetsLedger) do(ctx context.Context, method, u string, in, out interface{}) error {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return &SheetsAPIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

var rangeRowPattern = regexp.MustCompile(`![A-Z]+(\d+)`)

// firstRowOfRange は "'発送記録'!A5:N5" のような範囲から先頭の行番号を取り出します
func firstRowOfRange(a1 string) (int, error) {
	m := rangeRowPattern.FindStringSubmatch(a1)
	if m == nil {
		return 0, fmt.Errorf("unexpected updated range: %q", a1)
	}
	return strconv.Atoi(m[1])
}
