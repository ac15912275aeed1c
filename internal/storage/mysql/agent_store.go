package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"ShadowStream/internal/auth"
	xerrors "ShadowStream/internal/errors"
)

// AgentStore 在 agents 表中保存 Agent 凭证。
type AgentStore struct {
	db *DB
}

// NewAgentStore 基于共享连接池创建凭证存储。
func NewAgentStore(db *DB) *AgentStore {
	return &AgentStore{db: db}
}

const agentColumns = `id, org_address, name, description, agent_key, allowed_vaults, created_at`

// CreateAgent implements auth.Store.
func (s *AgentStore) CreateAgent(ctx context.Context, agent auth.Agent) error {
	vaults, err := json.Marshal(nonNil(agent.AllowedVaults))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化允许的金库失败")
	}
	_, err = s.db.db.ExecContext(ctx, `INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		agent.ID,
		agent.OrgAddress,
		agent.Name,
		agent.Description,
		agent.Key,
		string(vaults),
		toMillis(agent.CreatedAt),
	)
	return storageError(err, "写入 agent 失败")
}

// AgentByKey implements auth.Store.
func (s *AgentStore) AgentByKey(ctx context.Context, key string) (auth.Agent, error) {
	row := s.db.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_key = ?`, key)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Agent{}, auth.ErrInvalidKey
	}
	return agent, err
}

// GetAgent implements auth.Store.
func (s *AgentStore) GetAgent(ctx context.Context, id string) (auth.Agent, error) {
	row := s.db.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Agent{}, auth.ErrAgentNotFound
	}
	return agent, err
}

// ListAgents implements auth.Store.
func (s *AgentStore) ListAgents(ctx context.Context, orgAddress string) ([]auth.Agent, error) {
	rows, err := s.db.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE org_address = ? ORDER BY created_at DESC, id DESC`, orgAddress)
	if err != nil {
		return nil, storageError(err, "查询 agent 失败")
	}
	defer rows.Close()

	var agents []auth.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历 agent 失败")
	}
	return agents, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (auth.Agent, error) {
	var (
		agent     auth.Agent
		vaults    string
		createdAt int64
	)
	if err := row.Scan(&agent.ID, &agent.OrgAddress, &agent.Name, &agent.Description, &agent.Key, &vaults, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.Agent{}, err
		}
		return auth.Agent{}, storageError(err, "解析 agent 失败")
	}
	if vaults != "" {
		if err := json.Unmarshal([]byte(vaults), &agent.AllowedVaults); err != nil {
			return auth.Agent{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("agent %s 的金库列表损坏", agent.ID))
		}
	}
	agent.CreatedAt = fromMillis(createdAt)
	return agent, nil
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
