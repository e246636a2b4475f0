package storage

import (
	"context"
	"fmt"

	"github.com/ydb-platform/ydb-go-sdk/v3"
	"github.com/ydb-platform/ydb-go-sdk/v3/table"
	"github.com/ydb-platform/ydb-go-sdk/v3/table/result/named"
	"github.com/ydb-platform/ydb-go-sdk/v3/table/types"
)

// DefaultYDBTable is the table holding every metadata bucket
const DefaultYDBTable = "control_metadata"

// YDBConfig configures the YDB backend
type YDBConfig struct {
	ConnectionString string
	Table            string
}

// YDBBackend stores buckets as rows of one YDB table keyed by (bucket, key)
type YDBBackend struct {
	driver *ydb.Driver
	table  string
}

// NewYDBBackend connects to YDB
func NewYDBBackend(ctx context.Context, config YDBConfig) (*YDBBackend, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("ydb connection string is required")
	}
	if config.Table == "" {
		config.Table = DefaultYDBTable
	}

	driver, err := ydb.Open(ctx, config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to YDB: %w", err)
	}

	return &YDBBackend{driver: driver, table: config.Table}, nil
}

// NewYDBStore connects to YDB, creates the table if needed and returns a
// metadata store on top of it
func NewYDBStore(ctx context.Context, config YDBConfig) (MetadataStore, error) {
	backend, err := NewYDBBackend(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := backend.InitializeSchema(ctx); err != nil {
		backend.Close()
		return nil, err
	}
	return NewMetadataStore(backend), nil
}

// InitializeSchema creates the metadata table
func (b *YDBBackend) InitializeSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		bucket Utf8,
		item_key Utf8,
		payload String,
		PRIMARY KEY (bucket, item_key)
	)`, b.table)

	err := b.driver.Table().Do(ctx, func(ctx context.Context, s table.Session) error {
		return s.ExecuteSchemeQuery(ctx, stmt)
	})
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", b.table, err)
	}
	return nil
}

func (b *YDBBackend) View(ctx context.Context, fn func(r KVReader) error) error {
	return b.driver.Table().DoTx(ctx, func(ctx context.Context, tx table.TransactionActor) error {
		return fn(&ydbTx{ctx: ctx, tx: tx, table: b.table})
	}, table.WithIdempotent())
}

func (b *YDBBackend) Update(ctx context.Context, fn func(tx KVTx) error) error {
	return b.driver.Table().DoTx(ctx, func(ctx context.Context, tx table.TransactionActor) error {
		return fn(&ydbTx{ctx: ctx, tx: tx, table: b.table})
	}, table.WithIdempotent())
}

func (b *YDBBackend) Close() error {
	if b.driver == nil {
		return nil
	}
	return b.driver.Close(context.Background())
}

type ydbTx struct {
	ctx   context.Context
	tx    table.TransactionActor
	table string
}

func (t *ydbTx) Get(bucket, key string) ([]byte, error) {
	if err := checkBucket(bucket); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		DECLARE $bucket AS Utf8;
		DECLARE $key AS Utf8;
		SELECT payload FROM %s WHERE bucket = $bucket AND item_key = $key;`, t.table)

	res, err := t.tx.Execute(t.ctx, query, table.NewQueryParameters(
		table.ValueParam("$bucket", types.TextValue(bucket)),
		table.ValueParam("$key", types.TextValue(key)),
	))
	if err != nil {
		return nil, err
	}
	defer res.Close()

	var value []byte
	found := false
	for res.NextResultSet(t.ctx) {
		for res.NextRow() {
			if err := res.ScanNamed(named.OptionalWithDefault("payload", &value)); err != nil {
				return nil, err
			}
			found = true
		}
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

func (t *ydbTx) ForEach(bucket string, fn func(key string, value []byte) error) error {
	if err := checkBucket(bucket); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		DECLARE $bucket AS Utf8;
		SELECT item_key, payload FROM %s WHERE bucket = $bucket ORDER BY item_key;`, t.table)

	res, err := t.tx.Execute(t.ctx, query, table.NewQueryParameters(
		table.ValueParam("$bucket", types.TextValue(bucket)),
	))
	if err != nil {
		return err
	}
	defer res.Close()

	for res.NextResultSet(t.ctx) {
		for res.NextRow() {
			var (
				key   string
				value []byte
			)
			if err := res.ScanNamed(
				named.OptionalWithDefault("item_key", &key),
				named.OptionalWithDefault("payload", &value),
			); err != nil {
				return err
			}
			if err := fn(key, value); err != nil {
				return err
			}
		}
	}
	return res.Err()
}

func (t *ydbTx) Put(bucket, key string, value []byte) error {
	if err := checkBucket(bucket); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		DECLARE $bucket AS Utf8;
		DECLARE $key AS Utf8;
		DECLARE $payload AS String;
		UPSERT INTO %s (bucket, item_key, payload) VALUES ($bucket, $key, $payload);`, t.table)

	res, err := t.tx.Execute(t.ctx, query, table.NewQueryParameters(
		table.ValueParam("$bucket", types.TextValue(bucket)),
		table.ValueParam("$key", types.TextValue(key)),
		table.ValueParam("$payload", types.BytesValue(value)),
	))
	if err != nil {
		return err
	}
	return res.Close()
}

func (t *ydbTx) Delete(bucket, key string) error {
	if err := checkBucket(bucket); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		DECLARE $bucket AS Utf8;
		DECLARE $key AS Utf8;
		DELETE FROM %s WHERE bucket = $bucket AND item_key = $key;`, t.table)

	res, err := t.tx.Execute(t.ctx, query, table.NewQueryParameters(
		table.ValueParam("$bucket", types.TextValue(bucket)),
		table.ValueParam("$key", types.TextValue(key)),
	))
	if err != nil {
		return err
	}
	return res.Close()
}
