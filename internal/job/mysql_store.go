package job

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "ChainSentry/internal/errors"
)

// MySQLStore 使用 MySQL 保存任务记录，供多副本部署时集中排查。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore 并确保表结构存在。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS job_records (
        id VARCHAR(64) PRIMARY KEY,
        name VARCHAR(255) NOT NULL,
        status VARCHAR(32) NOT NULL,
        result TEXT,
        last_error TEXT,
        submitted_at BIGINT NOT NULL,
        finished_at BIGINT NOT NULL DEFAULT 0,
        INDEX idx_job_status (status),
        INDEX idx_job_submitted (submitted_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 job_records 表失败")
	}
	return nil
}

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, record Record) error {
	if strings.TrimSpace(record.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if record.SubmittedAt == 0 {
		record.SubmittedAt = time.Now().Unix()
	}

	const stmt = `INSERT INTO job_records (id, name, status, result, last_error, submitted_at, finished_at)
        VALUES (?, ?, ?, '', '', ?, 0)`

	_, err := s.db.ExecContext(ctx, stmt, record.ID, record.Name, record.Status, record.SubmittedAt)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "任务记录已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务记录失败")
	}
	return nil
}

// Finish 写入终态。以状态条件更新保证首个终态不被覆盖。
func (s *MySQLStore) Finish(ctx context.Context, id string, status Status, result *Result, errMsg string) error {
	resultValue, err := marshalResult(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码任务结果失败")
	}

	const stmt = `UPDATE job_records SET status = ?, result = ?, last_error = ?, finished_at = ?
        WHERE id = ? AND status NOT IN (?, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		status,
		resultValue,
		errMsg,
		time.Now().Unix(),
		id,
		StatusCompleted,
		StatusFailed,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务记录失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

// Get 查询指定任务记录。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Record, error) {
	const stmt = `SELECT id, name, status, result, last_error, submitted_at, finished_at
        FROM job_records WHERE id = ?`

	row := s.db.QueryRowContext(ctx, stmt, id)

	var record Record
	var resultRaw sql.NullString
	var lastError sql.NullString
	if err := row.Scan(
		&record.ID,
		&record.Name,
		&record.Status,
		&resultRaw,
		&lastError,
		&record.SubmittedAt,
		&record.FinishedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务记录失败")
	}

	record.Error = lastError.String
	result, err := unmarshalResult(resultRaw.String)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务结果失败")
	}
	record.Result = result
	return &record, nil
}

// List 按提交时间倒序返回最多 limit 条记录。
func (s *MySQLStore) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	const stmt = `SELECT id, name, status, result, last_error, submitted_at, finished_at
        FROM job_records ORDER BY submitted_at DESC, id LIMIT ?`

	rows, err := s.db.QueryContext(ctx, stmt, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务记录失败")
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var record Record
		var resultRaw sql.NullString
		var lastError sql.NullString
		if err := rows.Scan(
			&record.ID,
			&record.Name,
			&record.Status,
			&resultRaw,
			&lastError,
			&record.SubmittedAt,
			&record.FinishedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描任务记录失败")
		}
		record.Error = lastError.String
		result, err := unmarshalResult(resultRaw.String)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务结果失败")
		}
		record.Result = result
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务记录失败")
	}
	return records, nil
}

// Close 关闭底层连接池。
func (s *MySQLStore) Close() error {
	return s.db.Close()
}
