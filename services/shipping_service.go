package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"postpilot/ledger"
	"postpilot/logger"
	"postpilot/models"
	"postpilot/pricing"
	"postpilot/store"
)

// Publisher は記録の登録後に呼ばれる通知先です。失敗しても登録は成功扱いです
type Publisher interface {
	Name() string
	Publish(ctx context.Context, record models.ShippingRecord) error
}

// ShippingService は発送記録の登録と履歴取得を行います。
// 台帳IDは設定から注入され、呼び出しのたびに台帳へ渡されます。
type ShippingService struct {
	ledger      store.LedgerStore
	ledgerID    string
	validator   *RequestValidator
	idempotency store.IdempotencyStore
	publishers  []Publisher
	logger      *zap.Logger

	// 同じ冪等キーの先行リクエストを待つ時間と確認間隔
	idempotencyWait time.Duration
	idempotencyPoll time.Duration
}

type Option func(*ShippingService)

func WithStrictValidation(strict bool) Option {
	return func(s *ShippingService) { s.validator = NewRequestValidator(strict) }
}

func WithIdempotency(st store.IdempotencyStore) Option {
	return func(s *ShippingService) { s.idempotency = st }
}

// WithIdempotencyWait は処理中の同一キーの結果を待つ上限を変更します
func WithIdempotencyWait(d time.Duration) Option {
	return func(s *ShippingService) { s.idempotencyWait = d }
}

func WithPublishers(p ...Publisher) Option {
	return func(s *ShippingService) { s.publishers = append(s.publishers, p...) }
}

func NewShippingService(l store.LedgerStore, ledgerID string, opts ...Option) *ShippingService {
	s := &ShippingService{
		ledger:    l,
		ledgerID:  ledgerID,
		validator: NewRequestValidator(false),
		logger:    logger.Logger.Named("shipping"),

		idempotencyWait: 10 * time.Second,
		idempotencyPoll: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ShippingService) LedgerID() string {
	return s.ledgerID
}

// Record はリクエストを検証して料金を計算し、台帳に1行追記します
func (s *ShippingService) Record(ctx context.Context, req *models.ShippingRequest) (*models.RecordResult, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}
	if s.ledgerID == "" {
		return nil, models.NewLedgerNotConfiguredError()
	}

	fee := pricing.ComputeFee(*req.ShippingData)
	record := models.NewShippingRecord(*req, "", fee)

	position, err := s.ledger.Append(ctx, s.ledgerID, ledger.ToRow(record))
	if err != nil {
		return nil, fmt.Errorf("台帳への記録に失敗しました: %w", err)
	}
	record.RecordID = ledger.RecordID(position)

	s.logger.Info("発送記録を登録しました",
		logger.Operation("record_shipping",
			zap.String("record_id", record.RecordID),
			zap.String("ledger_id", s.ledgerID),
			zap.String("method", record.ShippingData.Method),
			zap.Int("fee", fee))...)

	s.publish(ctx, record)

	return &models.RecordResult{
		RecordID:  record.RecordID,
		Fee:       fee,
		Timestamp: req.Timestamp,
	}, nil
}

// RecordOnce は key が空でなければ同じ key の2回目以降に最初の結果を返します。
// 追記の前にキーを確保するため、同時に届いた同じ key のリクエストも1行しか追記しません。
func (s *ShippingService) RecordOnce(ctx context.Context, key string, req *models.ShippingRequest) (*models.RecordResult, bool, error) {
	if key == "" || s.idempotency == nil {
		result, err := s.Record(ctx, req)
		return result, false, err
	}

	fields := func(extra ...zap.Field) []zap.Field {
		return logger.Operation("record_shipping", append([]zap.Field{zap.String("idempotency_key", key)}, extra...)...)
	}

	if prev, found := s.lookup(ctx, key); found {
		s.logger.Info("登録済みのリクエストです", fields(zap.String("record_id", prev.RecordID))...)
		return prev, true, nil
	}

	reserved, err := s.idempotency.Reserve(ctx, key)
	if err != nil {
		// 重複チェックができなくても登録は続ける
		s.logger.Warn("冪等キーの確保に失敗しました", fields(zap.Error(err))...)
		result, err := s.Record(ctx, req)
		return result, false, err
	}
	if !reserved {
		prev, err := s.waitForResult(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if prev != nil {
			s.logger.Info("処理中だったリクエストの結果を返します", fields(zap.String("record_id", prev.RecordID))...)
			return prev, true, nil
		}
		// 先行リクエストが失敗して解除したキーを確保し直した
	}

	result, err := s.Record(ctx, req)
	if err != nil {
		// 再送で登録し直せるように確保を解除する
		if rerr := s.idempotency.Release(context.WithoutCancel(ctx), key); rerr != nil {
			s.logger.Warn("冪等キーの解除に失敗しました", fields(zap.Error(rerr))...)
		}
		return nil, false, err
	}
	if err := s.idempotency.Remember(context.WithoutCancel(ctx), key, *result); err != nil {
		s.logger.Warn("冪等キーの保存に失敗しました", fields(zap.Error(err))...)
	}
	return result, false, nil
}

func (s *ShippingService) lookup(ctx context.Context, key string) (*models.RecordResult, bool) {
	prev, found, err := s.idempotency.Lookup(ctx, key)
	if err != nil {
		s.logger.Warn("冪等キーの確認に失敗しました",
			logger.Operation("record_shipping", zap.String("idempotency_key", key), zap.Error(err))...)
		return nil, false
	}
	return prev, found
}

// waitForResult は先行リクエストが結果を保存するまで待ちます。
// 先行リクエストが失敗して確保が解除された場合はキーを確保し直し、nil を返します。
// 待ち時間を過ぎた場合は ConflictError です。
func (s *ShippingService) waitForResult(ctx context.Context, key string) (*models.RecordResult, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.idempotencyWait)
	defer cancel()

	ticker := time.NewTicker(s.idempotencyPoll)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			return nil, &models.ConflictError{Message: models.MsgRequestInProgress, Key: key}
		case <-ticker.C:
		}

		if prev, found := s.lookup(waitCtx, key); found {
			return prev, nil
		}
		reserved, err := s.idempotency.Reserve(waitCtx, key)
		if err != nil {
			continue
		}
		if reserved {
			return nil, nil
		}
	}
}

// History は台帳の全記録を追記順に返します。userID が空でなければ完全一致で絞り込みます。
// 台帳IDが未設定、または台帳が未作成の場合は空です。
func (s *ShippingService) History(ctx context.Context, userID string) ([]models.ShippingRecord, error) {
	if s.ledgerID == "" {
		return []models.ShippingRecord{}, nil
	}

	rows, err := s.ledger.Rows(ctx, s.ledgerID)
	if err != nil {
		if errors.Is(err, store.ErrLedgerNotFound) {
			return []models.ShippingRecord{}, nil
		}
		return nil, fmt.Errorf("台帳の読み込みに失敗しました: %w", err)
	}

	return ledger.Filter(ledger.FromRows(rows), userID), nil
}

// Quote は記録せずに料金の内訳を返します
func (s *ShippingService) Quote(data models.ShippingData) pricing.FeeQuote {
	return pricing.Quote(data)
}

func (s *ShippingService) publish(ctx context.Context, record models.ShippingRecord) {
	for _, p := range s.publishers {
		if err := p.Publish(ctx, record); err != nil {
			s.logger.Error("記録の通知に失敗しました",
				logger.Operation("publish_record",
					zap.String("publisher", p.Name()),
					zap.String("record_id", record.RecordID),
					zap.Error(err))...)
		}
	}
}
