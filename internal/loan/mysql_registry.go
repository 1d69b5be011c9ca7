package loan

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "LoanSolver-Chain/internal/errors"

	"github.com/go-sql-driver/mysql"
)

// MySQLRegistry 使用 MySQL 持久化待领取贷款，进程重启后计划中的
// 领取不会丢失。
type MySQLRegistry struct {
	db *sql.DB
}

// NewMySQLRegistry 创建一个新的 MySQLRegistry。
func NewMySQLRegistry(dsn string) (*MySQLRegistry, error) {
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
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	registry := &MySQLRegistry{db: db}
	if err := registry.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return registry, nil
}

func (s *MySQLRegistry) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS pending_loans (
        source_chain BIGINT UNSIGNED NOT NULL,
        loan_chain BIGINT UNSIGNED NOT NULL,
        loan_id VARCHAR(78) NOT NULL,
        matures_at BIGINT NOT NULL,
        claimed TINYINT(1) NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        PRIMARY KEY (source_chain, loan_chain, loan_id),
        INDEX idx_pending_due (claimed, matures_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 pending_loans 表失败")
	}
	return nil
}

// Insert 登记一笔新放款的贷款。
func (s *MySQLRegistry) Insert(ctx context.Context, key Key, maturesAt int64) error {
	now := time.Now().Unix()

	const stmt = `INSERT INTO pending_loans
        (source_chain, loan_chain, loan_id, matures_at, claimed, created_at, updated_at)
        VALUES (?, ?, ?, ?, 0, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt, key.SourceChain, key.LoanChain, key.LoanID, maturesAt, now, now)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrLoanConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "登记待领取贷款失败")
	}
	return nil
}

// MarkClaimed 将贷款标记为已领取。
func (s *MySQLRegistry) MarkClaimed(ctx context.Context, key Key) error {
	const stmt = `UPDATE pending_loans SET claimed = 1, updated_at = ?
        WHERE source_chain = ? AND loan_chain = ? AND loan_id = ?`

	result, err := s.db.ExecContext(ctx, stmt, time.Now().Unix(), key.SourceChain, key.LoanChain, key.LoanID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新贷款领取状态失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		// 可能不存在，也可能已经是 claimed；区分后者避免误报。
		if _, getErr := s.Get(ctx, key); getErr != nil {
			return getErr
		}
	}
	return nil
}

// Get 返回指定贷款的登记信息。
func (s *MySQLRegistry) Get(ctx context.Context, key Key) (*PendingLoan, error) {
	const stmt = `SELECT matures_at, claimed FROM pending_loans
        WHERE source_chain = ? AND loan_chain = ? AND loan_id = ?`

	row := s.db.QueryRowContext(ctx, stmt, key.SourceChain, key.LoanChain, key.LoanID)

	loan := PendingLoan{Key: key}
	if err := row.Scan(&loan.MaturesAt, &loan.Claimed); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrLoanNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询待领取贷款失败")
	}
	return &loan, nil
}

// DueForClaim 返回所有到期且未领取的贷款。
func (s *MySQLRegistry) DueForClaim(ctx context.Context, now int64) ([]PendingLoan, error) {
	const stmt = `SELECT source_chain, loan_chain, loan_id, matures_at, claimed
        FROM pending_loans WHERE claimed = 0 AND matures_at <= ?
        ORDER BY matures_at ASC`

	rows, err := s.db.QueryContext(ctx, stmt, now)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询到期贷款失败")
	}
	defer rows.Close()

	due := make([]PendingLoan, 0)
	for rows.Next() {
		var loan PendingLoan
		if err := rows.Scan(&loan.Key.SourceChain, &loan.Key.LoanChain, &loan.Key.LoanID, &loan.MaturesAt, &loan.Claimed); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取到期贷款失败")
		}
		due = append(due, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历到期贷款失败")
	}
	return due, nil
}

// Close 关闭数据库连接。
func (s *MySQLRegistry) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Registry = (*MySQLRegistry)(nil)
