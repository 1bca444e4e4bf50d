package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	xerrors "DefiFlow/internal/errors"
)

// MySQLConfig 描述 MySQL 连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// MySQLStore 使用 MySQL 记录运行历史。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 建立连接，AutoMigrate 为 true 时执行内置迁移。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	applyPool(db, cfg)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := NewMySQLStoreWithDB(db)
	if cfg.AutoMigrate {
		if err := runMigrations(ctx, db); err != nil {
			db.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行迁移失败")
		}
	}
	return store, nil
}

// NewMySQLStoreWithDB 复用已有连接池。
func NewMySQLStoreWithDB(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

func applyPool(db *sql.DB, cfg MySQLConfig) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
}

const upsertRunSQL = `INSERT INTO runs (id, state, entry_id, session, graph_version, trigger_price, steps, tx_hashes,
        swap_hash, payroll_hash, error_message, error_code, error_category, started_at, fired_at, finished_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE state = VALUES(state), entry_id = VALUES(entry_id), session = VALUES(session),
        graph_version = VALUES(graph_version), trigger_price = VALUES(trigger_price), steps = VALUES(steps),
        tx_hashes = VALUES(tx_hashes), swap_hash = VALUES(swap_hash), payroll_hash = VALUES(payroll_hash),
        error_message = VALUES(error_message), error_code = VALUES(error_code), error_category = VALUES(error_category),
        fired_at = VALUES(fired_at), finished_at = VALUES(finished_at), updated_at = VALUES(updated_at)`

const selectRunColumns = `SELECT id, state, entry_id, session, graph_version, trigger_price, steps, tx_hashes,
        swap_hash, payroll_hash, error_message, error_code, error_category, started_at, fired_at, finished_at, updated_at
FROM runs`

// Save implements Store.
func (s *MySQLStore) Save(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "run id 不能为空")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	steps, err := json.Marshal(rec.Steps)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化步骤失败")
	}
	hashes, err := json.Marshal(rec.TxHashes)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化交易哈希失败")
	}
	_, err = s.db.ExecContext(ctx, upsertRunSQL,
		rec.ID, rec.State, rec.EntryID, rec.Session, rec.GraphVersion, rec.TriggerPrice, string(steps), string(hashes),
		rec.SwapHash, rec.PayrollHash, rec.Error, rec.ErrorCode, rec.ErrorCategory,
		millis(rec.StartedAt), millis(rec.FiredAt), millis(rec.FinishedAt), millis(rec.UpdatedAt))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入运行记录失败")
	}
	return nil
}

// Get implements Store.
func (s *MySQLStore) Get(ctx context.Context, id string) (Record, error) {
	rows, err := s.db.QueryContext(ctx, selectRunColumns+` WHERE id = ?`, id)
	if err != nil {
		return Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行记录失败")
	}
	defer rows.Close()
	records, err := scanRecords(rows)
	if err != nil {
		return Record{}, err
	}
	if len(records) == 0 {
		return Record{}, xerrors.New(xerrors.CodeNotFound, "run "+id+" not found")
	}
	return records[0], nil
}

// List implements Store.
func (s *MySQLStore) List(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, selectRunColumns+` ORDER BY started_at DESC, id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行记录失败")
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Close implements Store.
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var rec Record
		var steps, hashes, message sql.NullString
		var started, fired, finished, updatedAt int64
		if err := rows.Scan(&rec.ID, &rec.State, &rec.EntryID, &rec.Session, &rec.GraphVersion, &rec.TriggerPrice,
			&steps, &hashes, &rec.SwapHash, &rec.PayrollHash, &message, &rec.ErrorCode, &rec.ErrorCategory,
			&started, &fired, &finished, &updatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行记录失败")
		}
		if err := decodeJSON(steps, &rec.Steps); err != nil {
			return nil, err
		}
		if err := decodeJSON(hashes, &rec.TxHashes); err != nil {
			return nil, err
		}
		rec.Error = message.String
		rec.StartedAt, rec.FiredAt, rec.FinishedAt, rec.UpdatedAt = fromMillis(started), fromMillis(fired), fromMillis(finished), fromMillis(updatedAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历运行记录失败")
	}
	return out, nil
}

func decodeJSON(s sql.NullString, dst any) error {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(s.String), dst); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行记录 JSON 失败")
	}
	return nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// IsNotFound 判断错误是否为记录不存在。
func IsNotFound(err error) bool {
	return stdErrors.Is(err, xerrors.New(xerrors.CodeNotFound, ""))
}
