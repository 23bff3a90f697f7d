package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drblury/streamflow/internal/runtime/jsoncodec"
	"github.com/drblury/streamflow/transport"
)

// Store is the persistence the backend runs on. Every partition is an
// append-only table range numbered from offset 0.
type Store interface {
	// Append writes rec to partition and returns its offset.
	Append(ctx context.Context, partition int32, rec transport.Record) (int64, time.Time, error)
	// Partitions lists every partition written so far with its next offset.
	Partitions(ctx context.Context) ([]PartitionInfo, error)
	// Fetch returns up to limit records of tp starting at offset from.
	Fetch(ctx context.Context, tp transport.TopicPartition, from int64, limit int) ([]StoredRecord, error)
	// Committed returns the committed offsets of group.
	Committed(ctx context.Context, group string) (map[transport.TopicPartition]int64, error)
	// Commit stores offsets for group, never moving one backwards.
	Commit(ctx context.Context, group string, offsets map[transport.TopicPartition]int64) error
	Close()
}

// PartitionInfo describes one partition of the log.
type PartitionInfo struct {
	Topic      string `db:"topic"`
	Partition  int32  `db:"partition"`
	NextOffset int64  `db:"next_offset"`
}

// TopicPartition returns the partition's coordinates.
func (p PartitionInfo) TopicPartition() transport.TopicPartition {
	return transport.TopicPartition{Topic: p.Topic, Partition: p.Partition}
}

// StoredRecord is one row of the records table.
type StoredRecord struct {
	Offset    int64     `db:"offset"`
	Key       []byte    `db:"key"`
	Value     []byte    `db:"value"`
	Headers   []byte    `db:"headers"`
	CreatedAt time.Time `db:"created_at"`
}

type pgStore struct {
	pool   *pgxpool.Pool
	tables tables
}

// tables holds the sanitized, schema qualified table names.
type tables struct {
	schema     string
	partitions string
	records    string
	offsets    string
}

func newTables(schema string) tables {
	return tables{
		schema:     pgx.Identifier{schema}.Sanitize(),
		partitions: pgx.Identifier{schema, "partitions"}.Sanitize(),
		records:    pgx.Identifier{schema, "records"}.Sanitize(),
		offsets:    pgx.Identifier{schema, "consumer_offsets"}.Sanitize(),
	}
}

func (t tables) ddl() []string {
	return []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, t.schema),
		fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		topic TEXT NOT NULL,
		partition INTEGER NOT NULL,
		next_offset BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (topic, partition)
	)`, t.partitions),
		fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		topic TEXT NOT NULL,
		partition INTEGER NOT NULL,
		"offset" BIGINT NOT NULL,
		key BYTEA,
		value BYTEA,
		headers JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (topic, partition, "offset")
	)`, t.records),
		fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		group_id TEXT NOT NULL,
		topic TEXT NOT NULL,
		partition INTEGER NOT NULL,
		committed BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (group_id, topic, partition)
	)`, t.offsets),
	}
}

// Connect opens a connection pool and creates the tables when missing.
func Connect(ctx context.Context, cfg Config) (Store, error) {
	cfg = cfg.withDefaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL connection string: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	s := &pgStore{pool: pool, tables: newTables(cfg.SchemaName)}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *pgStore) migrate(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, stmt := range s.tables.ddl() {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *pgStore) Append(ctx context.Context, partition int32, rec transport.Record) (int64, time.Time, error) {
	headers, err := encodeHeaders(rec.Headers)
	if err != nil {
		return 0, time.Time{}, err
	}

	var (
		offset    int64
		createdAt time.Time
	)
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// The row lock on the partition serializes concurrent appends.
		err := tx.QueryRow(ctx, fmt.Sprintf(`
			INSERT INTO %[1]s (topic, partition, next_offset) VALUES ($1, $2, 1)
			ON CONFLICT (topic, partition) DO UPDATE SET next_offset = %[1]s.next_offset + 1
			RETURNING next_offset - 1
		`, s.tables.partitions), rec.Topic, partition).Scan(&offset)
		if err != nil {
			return fmt.Errorf("failed to allocate offset: %w", err)
		}
		return tx.QueryRow(ctx, fmt.Sprintf(`
			INSERT INTO %s (topic, partition, "offset", key, value, headers)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb)
			RETURNING created_at
		`, s.tables.records), rec.Topic, partition, offset, rec.Key, rec.Value, string(headers)).Scan(&createdAt)
	})
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to insert record: %w", err)
	}
	return offset, createdAt, nil
}

func (s *pgStore) Partitions(ctx context.Context) ([]PartitionInfo, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT topic, partition, next_offset FROM %s ORDER BY topic, partition`, s.tables.partitions))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[PartitionInfo])
}

func (s *pgStore) Fetch(ctx context.Context, tp transport.TopicPartition, from int64, limit int) ([]StoredRecord, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT "offset", key, value, headers, created_at FROM %s
		WHERE topic = $1 AND partition = $2 AND "offset" >= $3
		ORDER BY "offset"
		LIMIT $4
	`, s.tables.records), tp.Topic, tp.Partition, from, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[StoredRecord])
}

type committedRow struct {
	Topic     string `db:"topic"`
	Partition int32  `db:"partition"`
	Committed int64  `db:"committed"`
}

func (s *pgStore) Committed(ctx context.Context, group string) (map[transport.TopicPartition]int64, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT topic, partition, committed FROM %s WHERE group_id = $1`, s.tables.offsets), group)
	if err != nil {
		return nil, err
	}
	committed, err := pgx.CollectRows(rows, pgx.RowToStructByName[committedRow])
	if err != nil {
		return nil, err
	}
	out := make(map[transport.TopicPartition]int64, len(committed))
	for _, c := range committed {
		out[transport.TopicPartition{Topic: c.Topic, Partition: c.Partition}] = c.Committed
	}
	return out, nil
}

// Commit upserts all offsets in one statement.
func (s *pgStore) Commit(ctx context.Context, group string, offsets map[transport.TopicPartition]int64) error {
	topics := make([]string, 0, len(offsets))
	partitions := make([]int32, 0, len(offsets))
	values := make([]int64, 0, len(offsets))
	for tp, off := range offsets {
		topics = append(topics, tp.Topic)
		partitions = append(partitions, tp.Partition)
		values = append(values, off)
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s (group_id, topic, partition, committed)
		SELECT $1, u.topic, u.partition, u.committed
		FROM unnest($2::text[], $3::integer[], $4::bigint[]) AS u(topic, partition, committed)
		ON CONFLICT (group_id, topic, partition) DO UPDATE
		SET committed = GREATEST(%[1]s.committed, EXCLUDED.committed), updated_at = NOW()
	`, s.tables.offsets), group, topics, partitions, values)
	return err
}

func (s *pgStore) Close() {
	s.pool.Close()
}

func encodeHeaders(headers map[string]string) ([]byte, error) {
	b, err := jsoncodec.MarshalHeaders(headers)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal headers: %w", err)
	}
	return b, nil
}

func decodeHeaders(raw []byte) (map[string]string, error) {
	headers, err := jsoncodec.UnmarshalHeaders(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal headers: %w", err)
	}
	return headers, nil
}
