package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/datastore"
	"go.uber.org/zap"

	"postpilot/ledger"
	"postpilot/logger"
)

const (
	kindShippingLedger    = "ShippingLedger"
	kindShippingLedgerRow = "ShippingLedgerRow"
)

type datastoreLedger struct {
	Name      string    `datastore:"name"`
	Header    []string  `datastore:"header,noindex"`
	RowCount  int       `datastore:"row_count"`
	CreatedAt time.Time `datastore:"created_at"`
	UpdatedAt time.Time `datastore:"updated_at"`
}

// セルは文字列と数値が混在するためJSONで保持する
type datastoreLedgerRow struct {
	Cells     string    `datastore:"cells,noindex"`
	CreatedAt time.Time `datastore:"created_at"`
}

// DatastoreLedger は Cloud Datastore に台帳を保存します。
// 行は台帳エンティティの子で、キーのIDが位置です。
type DatastoreLedger struct {
	client    *datastore.Client
	projectID string
	logger    *zap.Logger
}

func NewDatastoreLedger(ctx context.Context, projectID string) (*DatastoreLedger, error) {
	client, err := datastore.NewClient(ctx, projectID)
	if err != nil {
		return nil, err
	}

	return &DatastoreLedger{
		client:    client,
		projectID: projectID,
		logger:    logger.Logger.Named("datastore"),
	}, nil
}

func ledgerKey(ledgerID string) *datastore.Key {
	return datastore.NameKey(kindShippingLedger, ledgerID, nil)
}

func (d *DatastoreLedger) Append(ctx context.Context, ledgerID string, row ledger.Row) (int, error) {
	cells, err := json.Marshal(row)
	if err != nil {
		return 0, fmt.Errorf("failed to encode row: %w", err)
	}

	parent := ledgerKey(ledgerID)
	var position int

	_, err = d.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var l datastoreLedger
		now := time.Now()
		if err := tx.Get(parent, &l); err != nil {
			if !errors.Is(err, datastore.ErrNoSuchEntity) {
				return err
			}
			l = datastoreLedger{
				Name:      ledger.SheetName,
				Header:    ledger.Header(),
				CreatedAt: now,
			}
		}

		l.RowCount++
		l.UpdatedAt = now
		position = l.RowCount

		if _, err := tx.Put(parent, &l); err != nil {
			return err
		}
		rowKey := datastore.IDKey(kindShippingLedgerRow, int64(position), parent)
		_, err := tx.Put(rowKey, &datastoreLedgerRow{Cells: string(cells), CreatedAt: now})
		return err
	})
	if err != nil {
		d.logger.Error("台帳への追記に失敗しました",
			zap.String("ledger_id", ledgerID),
			zap.Error(err))
		return 0, fmt.Errorf("failed to append row: %w", err)
	}

	return position, nil
}

func (d *DatastoreLedger) Rows(ctx context.Context, ledgerID string) ([]ledger.Row, error) {
	parent := ledgerKey(ledgerID)

	var l datastoreLedger
	if err := d.client.Get(ctx, parent, &l); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, ErrLedgerNotFound
		}
		return nil, fmt.Errorf("failed to get ledger: %w", err)
	}

	// IDキー順が位置順
	q := datastore.NewQuery(kindShippingLedgerRow).Ancestor(parent).Order("__key__")
	var stored []datastoreLedgerRow
	if _, err := d.client.GetAll(ctx, q, &stored); err != nil {
		return nil, fmt.Errorf("failed to query rows: %w", err)
	}

	rows := make([]ledger.Row, 0, len(stored))
	for _, r := range stored {
		var row ledger.Row
		if err := json.Unmarshal([]byte(r.Cells), &row); err != nil {
			return nil, fmt.Errorf("failed to decode row: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (d *DatastoreLedger) Close() {
	if d.client != nil {
		d.client.Close()
	}
}
