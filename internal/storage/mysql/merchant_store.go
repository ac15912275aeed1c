package mysql

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"ShadowStream/internal/merchant"
)

// MerchantStore 在 merchant_apis 表中保存接口目录。
type MerchantStore struct {
	db *DB
}

// NewMerchantStore 基于共享连接池创建目录存储。
func NewMerchantStore(db *DB) *MerchantStore {
	return &MerchantStore{db: db}
}

const merchantAPIColumns = `id, merchant_id, admin_address, api_name, base_url, price_per_call, chain_id, token_address, created_at`

// CreateAPI implements merchant.Store.
func (s *MerchantStore) CreateAPI(ctx context.Context, api merchant.API) error {
	_, err := s.db.db.ExecContext(ctx, `INSERT INTO merchant_apis (`+merchantAPIColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		api.ID,
		api.MerchantID,
		api.AdminAddress,
		api.APIName,
		api.BaseURL,
		api.PricePerCall,
		api.ChainID,
		api.TokenAddress,
		toMillis(api.CreatedAt),
	)
	return storageError(err, "写入 merchant api 失败")
}

// GetAPI implements merchant.Store.
func (s *MerchantStore) GetAPI(ctx context.Context, id string) (merchant.API, error) {
	row := s.db.db.QueryRowContext(ctx, `SELECT `+merchantAPIColumns+` FROM merchant_apis WHERE id = ?`, id)
	api, err := scanMerchantAPI(row)
	if errors.Is(err, sql.ErrNoRows) {
		return merchant.API{}, merchant.ErrAPINotFound
	}
	return api, err
}

// ListAPIs implements merchant.Store.
func (s *MerchantStore) ListAPIs(ctx context.Context, filter merchant.ListFilter) ([]merchant.API, error) {
	var (
		where []string
		args  []any
	)
	if filter.AdminAddress != "" {
		where = append(where, "admin_address = ?")
		args = append(args, filter.AdminAddress)
	}
	if len(filter.MerchantIDs) > 0 {
		where = append(where, "merchant_id IN ("+placeholders(len(filter.MerchantIDs))+")")
		for _, id := range filter.MerchantIDs {
			args = append(args, id)
		}
	}
	query := `SELECT ` + merchantAPIColumns + ` FROM merchant_apis`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError(err, "查询 merchant api 失败")
	}
	defer rows.Close()

	var apis []merchant.API
	for rows.Next() {
		api, err := scanMerchantAPI(rows)
		if err != nil {
			return nil, err
		}
		apis = append(apis, api)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历 merchant api 失败")
	}
	return apis, nil
}

func scanMerchantAPI(row rowScanner) (merchant.API, error) {
	var (
		api       merchant.API
		createdAt int64
	)
	if err := row.Scan(&api.ID, &api.MerchantID, &api.AdminAddress, &api.APIName, &api.BaseURL, &api.PricePerCall, &api.ChainID, &api.TokenAddress, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return merchant.API{}, err
		}
		return merchant.API{}, storageError(err, "解析 merchant api 失败")
	}
	api.CreatedAt = fromMillis(createdAt)
	return api, nil
}
