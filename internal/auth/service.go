package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "ShadowStream/internal/errors"
	"ShadowStream/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// 常量定义。
const (
	KeyPrefix   = "ss_agent_"
	keyBytes    = 32
	maskPrefix  = 12
	maskSuffix  = 8
	maxNameSize = 128
)

// IssueRequest 描述创建 Agent 凭证所需的字段。
type IssueRequest struct {
	OrgAddress    string   `json:"orgAddress"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	AllowedVaults []string `json:"allowedVaults"`
}

// Service 负责 Agent 凭证的签发与解析。
type Service struct {
	store  Store
	audit  *slog.Logger
	now    func() time.Time
	replay *replayCache
}

// NewService 构造凭证服务实例。
func NewService(store Store) (*Service, error) {
	if store == nil {
		return nil, errors.New("agent store not configured")
	}
	return &Service{store: store, audit: logger.Audit(), now: time.Now, replay: newReplayCache()}, nil
}

// Issue 生成新的 Agent 凭证。返回值中的 Key 为明文，调用方只应展示一次。
func (s *Service) Issue(ctx context.Context, req IssueRequest) (Agent, error) {
	org := strings.TrimSpace(req.OrgAddress)
	name := strings.TrimSpace(req.Name)
	if org == "" || name == "" {
		return Agent{}, xerrors.New(xerrors.CodeInvalidArgument, "Missing required fields")
	}
	if !common.IsHexAddress(org) {
		return Agent{}, xerrors.New(xerrors.CodeInvalidArgument, "orgAddress is not a valid address")
	}
	if len(name) > maxNameSize {
		return Agent{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("name must be at most %d characters", maxNameSize))
	}
	vaults := make([]string, 0, len(req.AllowedVaults))
	seen := make(map[common.Address]struct{}, len(req.AllowedVaults))
	for _, raw := range req.AllowedVaults {
		raw = strings.TrimSpace(raw)
		if !common.IsHexAddress(raw) {
			return Agent{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("allowed vault %q is not a valid address", raw))
		}
		addr := common.HexToAddress(raw)
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		vaults = append(vaults, addr.Hex())
	}

	key, err := GenerateKey()
	if err != nil {
		return Agent{}, xerrors.Wrap(xerrors.CodeUnknown, err, "generate agent key")
	}
	agent := Agent{
		ID:            uuid.NewString(),
		OrgAddress:    common.HexToAddress(org).Hex(),
		Name:          name,
		Description:   strings.TrimSpace(req.Description),
		Key:           key,
		AllowedVaults: vaults,
		CreatedAt:     s.now().UTC().Truncate(time.Millisecond),
	}
	if err := s.store.CreateAgent(ctx, agent); err != nil {
		return Agent{}, err
	}
	s.audit.Info("agent_issued",
		"agent_id", agent.ID,
		"org", agent.OrgAddress,
		"vaults", len(agent.AllowedVaults),
		"key", MaskKey(agent.Key),
	)
	return agent, nil
}

// List 返回组织下的 Agent，凭证已脱敏。
func (s *Service) List(ctx context.Context, orgAddress string) ([]Agent, error) {
	org := strings.TrimSpace(orgAddress)
	if org == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Missing x-org-address header")
	}
	if !common.IsHexAddress(org) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "x-org-address is not a valid address")
	}
	agents, err := s.store.ListAgents(ctx, common.HexToAddress(org).Hex())
	if err != nil {
		return nil, err
	}
	out := make([]Agent, 0, len(agents))
	for _, agent := range agents {
		out = append(out, agent.Masked())
	}
	return out, nil
}

// Resolve 将明文凭证解析为 Principal。
func (s *Service) Resolve(ctx context.Context, key string) (*Principal, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrMissingKey
	}
	if !strings.HasPrefix(key, KeyPrefix) {
		return nil, ErrInvalidKey
	}
	agent, err := s.store.AgentByKey(ctx, key)
	if err != nil {
		if xerrors.HasCode(err, xerrors.CodeUnauthorized) {
			s.audit.Warn("agent_key_rejected", "key", MaskKey(key))
		}
		return nil, err
	}
	return NewPrincipal(agent), nil
}

// Agent 返回单个 Agent，凭证已脱敏。
func (s *Service) Agent(ctx context.Context, id string) (Agent, error) {
	agent, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return Agent{}, err
	}
	return agent.Masked(), nil
}

// GenerateKey 生成 ss_agent_ 前缀加 32 字节随机数的十六进制凭证。
func GenerateKey() (string, error) {
	buf := make([]byte, keyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return KeyPrefix + hex.EncodeToString(buf), nil
}

// MaskKey 只保留前 12 位与后 8 位。
func MaskKey(key string) string {
	if len(key) <= maskPrefix+maskSuffix {
		return strings.Repeat("*", len(key))
	}
	return key[:maskPrefix] + "..." + key[len(key)-maskSuffix:]
}

// BearerToken 从 Authorization 头中提取 Bearer 凭证。
func BearerToken(authorization string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
