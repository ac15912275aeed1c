package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"sort"
	"strings"
	"time"

	"ShadowStream/internal/activity"
	"ShadowStream/internal/auth"
	xerrors "ShadowStream/internal/errors"
	"ShadowStream/internal/merchant"
	"ShadowStream/internal/web3"
	"ShadowStream/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// 统计窗口与榜单长度。
const (
	Window          = 30 * 24 * time.Hour
	windowDays      = 30
	topMerchantSize = 5
	topOrgSize      = 10
	recentSize      = 10
	dateLayout      = "2006-01-02"
	merchantKind    = "API Service"
	unknownAgent    = "Agent"
)

// UserReport 是用户维度 30 天汇总。金额按代币单位渲染。
type UserReport struct {
	TotalSpend30d      string          `json:"totalSpend30d"`
	ActiveVaults       int             `json:"activeVaults"`
	AvgSpendPerDay     string          `json:"avgSpendPerDay"`
	DailySeries        []DailySpend    `json:"dailySeries"`
	TopMerchants       []MerchantSpend `json:"topMerchants"`
	RecentTransactions []Transaction   `json:"recentTransactions"`
}

// DailySpend 是单日花费。
type DailySpend struct {
	Date  string `json:"date"`
	Spend string `json:"spend"`
}

// MerchantSpend 是用户在某个商户的花费。
type MerchantSpend struct {
	ID       uint64 `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Spend    string `json:"spend"`
	Calls    int    `json:"calls"`
}

// Transaction 是最近交易列表的一行。
type Transaction struct {
	ID           string          `json:"id"`
	MerchantName string          `json:"merchantName"`
	AgentName    string          `json:"agentName"`
	VaultAddress string          `json:"vaultAddress"`
	Amount       string          `json:"amount"`
	Status       activity.Status `json:"status"`
	TxHash       string          `json:"txHash,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// MerchantReport 是商户维度 30 天汇总，只统计成功的调用。
type MerchantReport struct {
	TotalRevenue30d string       `json:"totalRevenue30d"`
	CallsPerDay     []DailyCalls `json:"callsPerDay"`
	TopOrgs         []OrgRevenue `json:"topOrgs"`
}

// DailyCalls 是单日调用次数。
type DailyCalls struct {
	Date  string `json:"date"`
	Calls int    `json:"calls"`
}

// OrgRevenue 是按金库聚合的收入，地址已脱敏。
type OrgRevenue struct {
	Address string `json:"address"`
	Revenue string `json:"revenue"`
	Calls   int    `json:"calls"`
}

// Service 基于活动账本计算汇总。
type Service struct {
	chain      web3.Client
	activities activity.Store
	merchants  *merchant.Service
	agents     auth.Store
	decimals   uint8
	pageSize   int
	log        *slog.Logger
	now        func() time.Time
}

// NewService 构造统计服务。agents 可以为空，此时 Agent 名称统一显示为默认值。
func NewService(chain web3.Client, activities activity.Store, merchants *merchant.Service, agents auth.Store) (*Service, error) {
	if chain == nil || activities == nil || merchants == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "analytics dependencies not configured")
	}
	return &Service{
		chain:      chain,
		activities: activities,
		merchants:  merchants,
		agents:     agents,
		decimals:   web3.StablecoinDecimals,
		pageSize:   activity.MaxLimit,
		log:        logger.Named("analytics"),
		now:        time.Now,
	}, nil
}

// User 汇总用户全部金库最近 30 天的花费。
func (s *Service) User(ctx context.Context, userAddress string) (UserReport, error) {
	userAddress = strings.TrimSpace(userAddress)
	if userAddress == "" {
		return UserReport{}, xerrors.New(xerrors.CodeInvalidArgument, "Missing x-user-address header")
	}
	if !common.IsHexAddress(userAddress) {
		return UserReport{}, xerrors.New(xerrors.CodeInvalidArgument, "x-user-address is not a valid address")
	}
	report := UserReport{
		TotalSpend30d:      s.format(new(big.Int)),
		AvgSpendPerDay:     s.format(new(big.Int)),
		DailySeries:        []DailySpend{},
		TopMerchants:       []MerchantSpend{},
		RecentTransactions: []Transaction{},
	}

	vaults, err := s.chain.UserVaults(ctx, common.HexToAddress(userAddress))
	if err != nil {
		return UserReport{}, err
	}
	if len(vaults) == 0 {
		return report, nil
	}
	addresses := make([]string, 0, len(vaults))
	for _, v := range vaults {
		addresses = append(addresses, v.Hex())
	}
	rows, err := s.collect(ctx,
		activity.WithVaults(addresses...),
	)
	if err != nil {
		return UserReport{}, err
	}

	names, err := s.merchantNames(ctx, rows)
	if err != nil {
		return UserReport{}, err
	}

	total := new(big.Int)
	daily := make(map[string]*big.Int)
	perMerchant := make(map[uint64]*MerchantSpend)
	merchantTotals := make(map[uint64]*big.Int)
	active := make(map[string]struct{})
	for _, row := range rows {
		if row.Status != activity.StatusSuccess {
			continue
		}
		amount, ok := s.amount(row)
		if !ok {
			continue
		}
		total.Add(total, amount)
		active[row.VaultAddress] = struct{}{}
		addTo(daily, row.CreatedAt.UTC().Format(dateLayout), amount)

		entry, ok := perMerchant[row.MerchantID]
		if !ok {
			entry = &MerchantSpend{ID: row.MerchantID, Name: merchantName(names, row.MerchantID), Category: merchantKind}
			perMerchant[row.MerchantID] = entry
		}
		entry.Calls++
		addTo(merchantTotals, row.MerchantID, amount)
	}

	report.TotalSpend30d = s.format(total)
	report.ActiveVaults = len(active)
	report.AvgSpendPerDay = s.format(new(big.Int).Quo(total, big.NewInt(windowDays)))

	for _, date := range sortedKeys(daily) {
		report.DailySeries = append(report.DailySeries, DailySpend{Date: date, Spend: s.format(daily[date])})
	}

	ids := make([]uint64, 0, len(perMerchant))
	for id := range perMerchant {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if c := merchantTotals[ids[i]].Cmp(merchantTotals[ids[j]]); c != 0 {
			return c > 0
		}
		return ids[i] < ids[j]
	})
	for _, id := range ids[:min(len(ids), topMerchantSize)] {
		entry := perMerchant[id]
		entry.Spend = s.format(merchantTotals[id])
		report.TopMerchants = append(report.TopMerchants, *entry)
	}

	agentNames := make(map[string]string)
	for _, row := range rows[:min(len(rows), recentSize)] {
		report.RecentTransactions = append(report.RecentTransactions, Transaction{
			ID:           row.ID,
			MerchantName: merchantName(names, row.MerchantID),
			AgentName:    s.agentName(ctx, agentNames, row.AgentID),
			VaultAddress: row.VaultAddress,
			Amount:       row.Amount,
			Status:       row.Status,
			TxHash:       row.TxHash,
			CreatedAt:    row.CreatedAt,
		})
	}
	return report, nil
}

// Merchant 汇总管理员名下商户最近 30 天的收入。
func (s *Service) Merchant(ctx context.Context, adminAddress string) (MerchantReport, error) {
	apis, err := s.merchants.ListByAdmin(ctx, adminAddress)
	if err != nil {
		return MerchantReport{}, err
	}
	report := MerchantReport{
		TotalRevenue30d: s.format(new(big.Int)),
		CallsPerDay:     []DailyCalls{},
		TopOrgs:         []OrgRevenue{},
	}
	seen := make(map[uint64]struct{}, len(apis))
	ids := make([]uint64, 0, len(apis))
	for _, api := range apis {
		if _, ok := seen[api.MerchantID]; ok {
			continue
		}
		seen[api.MerchantID] = struct{}{}
		ids = append(ids, api.MerchantID)
	}
	if len(ids) == 0 {
		return report, nil
	}

	rows, err := s.collect(ctx,
		activity.WithMerchantIDs(ids...),
		activity.WithStatuses(activity.StatusSuccess),
	)
	if err != nil {
		return MerchantReport{}, err
	}

	total := new(big.Int)
	calls := make(map[string]int)
	orgTotals := make(map[string]*big.Int)
	orgCalls := make(map[string]int)
	for _, row := range rows {
		amount, ok := s.amount(row)
		if !ok {
			continue
		}
		total.Add(total, amount)
		calls[row.CreatedAt.UTC().Format(dateLayout)]++
		masked := MaskAddress(row.VaultAddress)
		addTo(orgTotals, masked, amount)
		orgCalls[masked]++
	}

	report.TotalRevenue30d = s.format(total)
	for _, date := range sortedKeys(calls) {
		report.CallsPerDay = append(report.CallsPerDay, DailyCalls{Date: date, Calls: calls[date]})
	}
	orgs := make([]string, 0, len(orgTotals))
	for org := range orgTotals {
		orgs = append(orgs, org)
	}
	sort.Slice(orgs, func(i, j int) bool {
		if c := orgTotals[orgs[i]].Cmp(orgTotals[orgs[j]]); c != 0 {
			return c > 0
		}
		return orgs[i] < orgs[j]
	})
	for _, org := range orgs[:min(len(orgs), topOrgSize)] {
		report.TopOrgs = append(report.TopOrgs, OrgRevenue{
			Address: org,
			Revenue: s.format(orgTotals[org]),
			Calls:   orgCalls[org],
		})
	}
	return report, nil
}

// MaskAddress 保留地址前 6 位与后 4 位。
func MaskAddress(address string) string {
	if len(address) <= 10 {
		return address
	}
	return address[:6] + "..." + address[len(address)-4:]
}

// collect 分页读取统计窗口内的全部活动，按时间倒序返回。
// 分页按时间正序进行，窗口上界固定，新写入的行不会打乱偏移量。
func (s *Service) collect(ctx context.Context, filters ...activity.ListOption) ([]*activity.Activity, error) {
	now := s.now()
	var rows []*activity.Activity
	for offset := 0; ; offset += s.pageSize {
		opts := append([]activity.ListOption{}, filters...)
		opts = append(opts,
			activity.WithCreatedSince(now.Add(-Window)),
			activity.WithCreatedUntil(now),
			activity.WithSortOrder(activity.SortOldestFirst),
			activity.WithLimit(s.pageSize),
			activity.WithOffset(offset),
		)
		page, err := s.activities.List(ctx, activity.BuildListOptions(opts...))
		if err != nil {
			return nil, err
		}
		rows = append(rows, page...)
		if len(page) < s.pageSize {
			break
		}
	}
	slices.Reverse(rows)
	return rows, nil
}

func (s *Service) amount(row *activity.Activity) (*big.Int, bool) {
	amount, err := web3.ParseUnits(row.Amount, s.decimals)
	if err != nil {
		s.log.Warn("skip activity with unparsable amount",
			slog.String("activity_id", row.ID),
			slog.String("amount", row.Amount),
		)
		return nil, false
	}
	return amount, true
}

func (s *Service) format(v *big.Int) string {
	return web3.FormatUnits(v, s.decimals)
}

func (s *Service) merchantNames(ctx context.Context, rows []*activity.Activity) (map[uint64]string, error) {
	seen := make(map[uint64]struct{})
	ids := make([]uint64, 0)
	for _, row := range rows {
		if _, ok := seen[row.MerchantID]; ok {
			continue
		}
		seen[row.MerchantID] = struct{}{}
		ids = append(ids, row.MerchantID)
	}
	apis, err := s.merchants.ListByMerchantIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	names := make(map[uint64]string, len(apis))
	// 列表按创建时间倒序，保留每个商户最早发布的接口名。
	for _, api := range apis {
		names[api.MerchantID] = api.APIName
	}
	return names, nil
}

func (s *Service) agentName(ctx context.Context, cache map[string]string, agentID string) string {
	if agentID == "" || s.agents == nil {
		return unknownAgent
	}
	if name, ok := cache[agentID]; ok {
		return name
	}
	name := unknownAgent
	agent, err := s.agents.GetAgent(ctx, agentID)
	switch {
	case err == nil && agent.Name != "":
		name = agent.Name
	case err != nil && !xerrors.HasCode(err, auth.CodeAgentNotFound):
		s.log.Warn("agent lookup failed", slog.String("agent_id", agentID), slog.Any("error", err))
	}
	cache[agentID] = name
	return name
}

func merchantName(names map[uint64]string, id uint64) string {
	if name, ok := names[id]; ok && name != "" {
		return name
	}
	return fmt.Sprintf("Merchant #%d", id)
}

func addTo[K comparable](m map[K]*big.Int, key K, amount *big.Int) {
	if cur, ok := m[key]; ok {
		cur.Add(cur, amount)
		return
	}
	m[key] = new(big.Int).Set(amount)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
