package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	xerrors "ShadowStream/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// 认证子系统的错误码。
const (
	CodeVaultNotPermitted xerrors.Code = "VAULT_NOT_PERMITTED"
	CodeAgentNotFound     xerrors.Code = "AGENT_NOT_FOUND"
)

// Common errors returned by the authentication subsystem.
var (
	ErrMissingKey        = xerrors.New(xerrors.CodeUnauthorized, "agent key is required")
	ErrInvalidKey        = xerrors.New(xerrors.CodeUnauthorized, "invalid agent key")
	ErrVaultNotPermitted = xerrors.New(CodeVaultNotPermitted, "agent is not permitted to spend from this vault")
	ErrAgentNotFound     = xerrors.New(CodeAgentNotFound, "agent not found")
)

func init() {
	xerrors.Register(CodeVaultNotPermitted, xerrors.Attributes{
		Message:    "vault not permitted",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusForbidden,
	})
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:    "agent not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
}

// Store abstracts the persistent agent catalogue. Implementations must be
// safe for concurrent use.
type Store interface {
	CreateAgent(ctx context.Context, agent Agent) error
	// AgentByKey returns ErrInvalidKey when no agent holds the key.
	AgentByKey(ctx context.Context, key string) (Agent, error)
	// GetAgent returns ErrAgentNotFound for unknown ids.
	GetAgent(ctx context.Context, id string) (Agent, error)
	// ListAgents returns the organisation's agents, newest first.
	ListAgents(ctx context.Context, orgAddress string) ([]Agent, error)
}

// Agent is a credential allowed to spend from a fixed set of vaults. Key is
// stored in plaintext and only ever shown in full once, at creation.
type Agent struct {
	ID            string    `json:"id"`
	OrgAddress    string    `json:"orgAddress"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Key           string    `json:"agentKey,omitempty"`
	AllowedVaults []string  `json:"allowedVaultAddresses"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Masked returns a copy safe for listings.
func (a Agent) Masked() Agent {
	a.Key = MaskKey(a.Key)
	a.AllowedVaults = append([]string(nil), a.AllowedVaults...)
	return a
}

// Principal is a resolved agent credential.
type Principal struct {
	AgentID    string
	Name       string
	OrgAddress string

	vaults map[common.Address]struct{}
}

// NewPrincipal builds the permission set of an agent.
func NewPrincipal(agent Agent) *Principal {
	p := &Principal{
		AgentID:    agent.ID,
		Name:       agent.Name,
		OrgAddress: agent.OrgAddress,
		vaults:     make(map[common.Address]struct{}, len(agent.AllowedVaults)),
	}
	for _, vault := range agent.AllowedVaults {
		vault = strings.TrimSpace(vault)
		if common.IsHexAddress(vault) {
			p.vaults[common.HexToAddress(vault)] = struct{}{}
		}
	}
	return p
}

// Authorize reports whether the agent may spend from vault. Addresses are
// compared after normalisation, so case does not matter.
func (p *Principal) Authorize(vault string) error {
	if p == nil {
		return ErrInvalidKey
	}
	vault = strings.TrimSpace(vault)
	if !common.IsHexAddress(vault) {
		return ErrVaultNotPermitted
	}
	if _, ok := p.vaults[common.HexToAddress(vault)]; !ok {
		return ErrVaultNotPermitted.With(xerrors.WithMetadata("vaultAddress", common.HexToAddress(vault).Hex()))
	}
	return nil
}
