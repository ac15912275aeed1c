package mysql

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"ShadowStream/internal/activity"
	xerrors "ShadowStream/internal/errors"
)

// ActivityStore 在 vault_activities 表中保存支付尝试。
type ActivityStore struct {
	db *DB
}

// NewActivityStore 基于共享连接池创建活动存储。
func NewActivityStore(db *DB) *ActivityStore {
	return &ActivityStore{db: db}
}

const activityColumns = `id, vault_address, agent_id, merchant_id, merchant_api_id, amount, token_address, tx_hash, request_url, status, error_message, created_at, updated_at`

// Create implements activity.Store.
func (s *ActivityStore) Create(ctx context.Context, a *activity.Activity) error {
	if a == nil || a.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "活动 ID 不能为空")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = activity.Now()
	}
	a.UpdatedAt = a.CreatedAt
	if a.Status == "" {
		a.Status = activity.StatusPending
	}
	a.VaultAddress = activity.NormalizeAddress(a.VaultAddress)

	_, err := s.db.db.ExecContext(ctx, `INSERT INTO vault_activities (`+activityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.VaultAddress,
		a.AgentID,
		a.MerchantID,
		a.MerchantAPIID,
		a.Amount,
		a.TokenAddress,
		a.TxHash,
		a.RequestURL,
		string(a.Status),
		a.Error,
		toMillis(a.CreatedAt),
		toMillis(a.UpdatedAt),
	)
	return storageError(err, "写入活动记录失败")
}

// Get implements activity.Store.
func (s *ActivityStore) Get(ctx context.Context, id string) (*activity.Activity, error) {
	row := s.db.db.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM vault_activities WHERE id = ?`, id)
	a, err := scanActivity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, activity.ErrActivityNotFound
	}
	return a, err
}

// AttachTxHash implements activity.Store.
func (s *ActivityStore) AttachTxHash(ctx context.Context, id, txHash string) error {
	return s.transition(ctx, id,
		`UPDATE vault_activities SET tx_hash = ?, updated_at = ? WHERE id = ? AND status = ?`,
		txHash, toMillis(activity.Now()), id, string(activity.StatusPending))
}

// MarkSucceeded implements activity.Store. An empty hash keeps the one
// already attached.
func (s *ActivityStore) MarkSucceeded(ctx context.Context, id, txHash string) error {
	return s.transition(ctx, id,
		`UPDATE vault_activities SET status = ?, tx_hash = COALESCE(NULLIF(?, ''), tx_hash), error_message = '', updated_at = ? WHERE id = ? AND status = ?`,
		string(activity.StatusSuccess), txHash, toMillis(activity.Now()), id, string(activity.StatusPending))
}

// MarkFailed implements activity.Store.
func (s *ActivityStore) MarkFailed(ctx context.Context, id, reason string) error {
	return s.transition(ctx, id,
		`UPDATE vault_activities SET status = ?, error_message = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(activity.StatusFailed), reason, toMillis(activity.Now()), id, string(activity.StatusPending))
}

// transition 执行条件更新，未命中时区分记录不存在与已结束。
func (s *ActivityStore) transition(ctx context.Context, id, stmt string, args ...any) error {
	res, err := s.db.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return storageError(err, "更新活动记录失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageError(err, "读取影响行数失败")
	}
	if affected > 0 {
		return nil
	}
	var status string
	err = s.db.db.QueryRowContext(ctx, `SELECT status FROM vault_activities WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return activity.ErrActivityNotFound
	}
	if err != nil {
		return storageError(err, "查询活动状态失败")
	}
	if status == string(activity.StatusPending) {
		// MySQL 在值未变化时返回 0 行。
		return nil
	}
	return activity.ErrActivityFinalized.With(xerrors.WithMetadata("status", status))
}

// List implements activity.Store.
func (s *ActivityStore) List(ctx context.Context, opts activity.ListOptions) ([]*activity.Activity, error) {
	opts = opts.Normalize()
	var (
		where []string
		args  []any
	)
	if len(opts.Vaults) > 0 {
		where = append(where, "vault_address IN ("+placeholders(len(opts.Vaults))+")")
		for _, v := range opts.Vaults {
			args = append(args, v)
		}
	}
	if len(opts.MerchantIDs) > 0 {
		where = append(where, "merchant_id IN ("+placeholders(len(opts.MerchantIDs))+")")
		for _, id := range opts.MerchantIDs {
			args = append(args, id)
		}
	}
	if len(opts.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(opts.Statuses))+")")
		for _, st := range opts.Statuses {
			args = append(args, string(st))
		}
	}
	if !opts.CreatedGTE.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, toMillis(opts.CreatedGTE))
	}
	if !opts.CreatedLTE.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, toMillis(opts.CreatedLTE))
	}

	query := `SELECT ` + activityColumns + ` FROM vault_activities`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if opts.Order == activity.SortOldestFirst {
		query += " ORDER BY created_at ASC, id ASC"
	} else {
		query += " ORDER BY created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError(err, "查询活动记录失败")
	}
	defer rows.Close()

	var out []*activity.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历活动记录失败")
	}
	return out, nil
}

// Close 不释放连接池，连接池由 DB 持有。
func (s *ActivityStore) Close() error {
	return nil
}

func scanActivity(row rowScanner) (*activity.Activity, error) {
	var (
		a                    activity.Activity
		status               string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&a.ID, &a.VaultAddress, &a.AgentID, &a.MerchantID, &a.MerchantAPIID, &a.Amount, &a.TokenAddress,
		&a.TxHash, &a.RequestURL, &status, &a.Error, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storageError(err, "解析活动记录失败")
	}
	a.Status = activity.Status(status)
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	return &a, nil
}
