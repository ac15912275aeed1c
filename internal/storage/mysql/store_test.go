package mysql

import (
	"context"
	"errors"
	"testing"
	"time"

	"ShadowStream/internal/activity"
	"ShadowStream/internal/auth"
	xerrors "ShadowStream/internal/errors"
	"ShadowStream/internal/merchant"
)

const (
	testVault = "0x1111111111111111111111111111111111111111"
	testOrg   = "0x00000000000000000000000000000000000000Aa"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Config{Driver: DriverSQLite, DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrationsAreIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := runMigrations(ctx, db.db, DriverSQLite); err != nil {
		t.Fatalf("second migration run: %v", err)
	}
	var count int
	if err := db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one applied migration, got %d", count)
	}
}

func TestLoadMigrationFilesPerDialect(t *testing.T) {
	for _, dialect := range []string{DriverMySQL, DriverSQLite} {
		files, err := loadMigrationFiles(dialect)
		if err != nil {
			t.Fatalf("%s: %v", dialect, err)
		}
		if len(files) == 0 || files[0].version != "0001" {
			t.Fatalf("%s: unexpected migrations %+v", dialect, files)
		}
		if len(files[0].statements) < 3 {
			t.Fatalf("%s: expected at least three statements, got %d", dialect, len(files[0].statements))
		}
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "postgres", DSN: "x"}); err == nil {
		t.Fatal("expected unsupported driver error")
	}
	if _, err := Open(context.Background(), Config{Driver: DriverSQLite}); err == nil {
		t.Fatal("expected empty dsn error")
	}
}

func TestAgentStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewAgentStore(openTestDB(t))
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	first := auth.Agent{ID: "a1", OrgAddress: testOrg, Name: "one", Key: "ss_agent_1", AllowedVaults: []string{testVault}, CreatedAt: base}
	second := auth.Agent{ID: "a2", OrgAddress: testOrg, Name: "two", Key: "ss_agent_2", CreatedAt: base.Add(time.Minute)}
	for _, a := range []auth.Agent{first, second} {
		if err := store.CreateAgent(ctx, a); err != nil {
			t.Fatalf("create %s: %v", a.ID, err)
		}
	}

	dup := auth.Agent{ID: "a3", OrgAddress: testOrg, Name: "dup", Key: "ss_agent_1", CreatedAt: base}
	if err := store.CreateAgent(ctx, dup); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("duplicate key should conflict, got %v", err)
	}

	got, err := store.AgentByKey(ctx, "ss_agent_1")
	if err != nil {
		t.Fatalf("by key: %v", err)
	}
	if got.ID != "a1" || len(got.AllowedVaults) != 1 || got.AllowedVaults[0] != testVault || !got.CreatedAt.Equal(base) {
		t.Fatalf("unexpected agent %+v", got)
	}
	if _, err := store.AgentByKey(ctx, "ss_agent_missing"); !errors.Is(err, auth.ErrInvalidKey) {
		t.Fatalf("expected invalid key, got %v", err)
	}
	if _, err := store.GetAgent(ctx, "missing"); !xerrors.HasCode(err, auth.CodeAgentNotFound) {
		t.Fatalf("expected agent not found, got %v", err)
	}

	list, err := store.ListAgents(ctx, testOrg)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "a2" || list[1].ID != "a1" {
		t.Fatalf("unexpected listing %+v", list)
	}
	if list[0].AllowedVaults == nil || len(list[0].AllowedVaults) != 0 {
		t.Fatalf("empty vault list should decode as empty slice, got %#v", list[0].AllowedVaults)
	}
}

func TestServiceOnSQLAgentStore(t *testing.T) {
	ctx := context.Background()
	svc, err := auth.NewService(NewAgentStore(openTestDB(t)))
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	agent, err := svc.Issue(ctx, auth.IssueRequest{OrgAddress: testOrg, Name: "bot", AllowedVaults: []string{testVault}})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	principal, err := svc.Resolve(ctx, agent.Key)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := principal.Authorize(testVault); err != nil {
		t.Fatalf("authorize: %v", err)
	}
}

func TestMerchantStoreFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMerchantStore(openTestDB(t))
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	rows := []merchant.API{
		{ID: "m1", MerchantID: 1, AdminAddress: testOrg, APIName: "weather", BaseURL: "https://a", PricePerCall: "0.1", ChainID: 137, CreatedAt: base},
		{ID: "m2", MerchantID: 1, AdminAddress: testOrg, APIName: "forecast", BaseURL: "https://a", PricePerCall: "0.2", ChainID: 137, CreatedAt: base.Add(time.Hour)},
		{ID: "m3", MerchantID: 2, AdminAddress: testVault, APIName: "maps", BaseURL: "https://b", PricePerCall: "1", ChainID: 137, TokenAddress: testVault, CreatedAt: base},
	}
	for _, api := range rows {
		if err := store.CreateAPI(ctx, api); err != nil {
			t.Fatalf("create %s: %v", api.ID, err)
		}
	}

	byAdmin, err := store.ListAPIs(ctx, merchant.ListFilter{AdminAddress: testOrg})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byAdmin) != 2 || byAdmin[0].ID != "m2" {
		t.Fatalf("unexpected admin listing %+v", byAdmin)
	}
	byID, _ := store.ListAPIs(ctx, merchant.ListFilter{MerchantIDs: []uint64{2, 9}})
	if len(byID) != 1 || byID[0].APIName != "maps" || byID[0].TokenAddress != testVault {
		t.Fatalf("unexpected merchant listing %+v", byID)
	}
	all, _ := store.ListAPIs(ctx, merchant.ListFilter{})
	if len(all) != 3 {
		t.Fatalf("expected all rows, got %d", len(all))
	}
	if _, err := store.GetAPI(ctx, "missing"); !xerrors.HasCode(err, merchant.CodeAPINotFound) {
		t.Fatalf("expected api not found, got %v", err)
	}
}

func TestActivityStoreTransitions(t *testing.T) {
	ctx := context.Background()
	store := NewActivityStore(openTestDB(t))
	row := &activity.Activity{ID: "act-1", VaultAddress: testVault, MerchantID: 3, MerchantAPIID: "m1", Amount: "0.5"}
	if err := store.Create(ctx, row); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &activity.Activity{ID: "act-1", VaultAddress: testVault}); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("duplicate id should conflict, got %v", err)
	}
	if err := store.AttachTxHash(ctx, "act-1", "0xfeed"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "act-1", ""); err != nil {
		t.Fatalf("succeed: %v", err)
	}
	got, err := store.Get(ctx, "act-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != activity.StatusSuccess || got.TxHash != "0xfeed" || got.Amount != "0.5" {
		t.Fatalf("unexpected row %+v", got)
	}
	if !got.CreatedAt.Equal(row.CreatedAt) {
		t.Fatalf("created_at lost precision: %v vs %v", got.CreatedAt, row.CreatedAt)
	}

	err = store.MarkFailed(ctx, "act-1", "late")
	if !xerrors.HasCode(err, activity.CodeActivityFinalized) {
		t.Fatalf("expected finalized, got %v", err)
	}
	if err := store.MarkFailed(ctx, "missing", "x"); !xerrors.HasCode(err, activity.CodeActivityNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.Get(ctx, "missing"); !xerrors.HasCode(err, activity.CodeActivityNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestActivityStoreList(t *testing.T) {
	ctx := context.Background()
	store := NewActivityStore(openTestDB(t))
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	other := "0x2222222222222222222222222222222222222222"
	seed := []*activity.Activity{
		{ID: "a", VaultAddress: testVault, MerchantID: 1, MerchantAPIID: "m", Amount: "1", CreatedAt: base},
		{ID: "b", VaultAddress: other, MerchantID: 2, MerchantAPIID: "m", Amount: "2", CreatedAt: base.Add(time.Hour)},
		{ID: "c", VaultAddress: testVault, MerchantID: 2, MerchantAPIID: "m", Amount: "3", CreatedAt: base.Add(2 * time.Hour)},
	}
	for _, a := range seed {
		if err := store.Create(ctx, a); err != nil {
			t.Fatalf("create %s: %v", a.ID, err)
		}
	}
	if err := store.MarkFailed(ctx, "b", "reverted"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	all, err := store.List(ctx, activity.BuildListOptions())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
		t.Fatalf("unexpected order %v", activityIDs(all))
	}

	cases := []struct {
		name string
		opts activity.ListOptions
		want []string
	}{
		{"vault", activity.BuildListOptions(activity.WithVaults(testVault)), []string{"c", "a"}},
		{"merchant oldest first", activity.BuildListOptions(activity.WithMerchantIDs(2), activity.WithSortOrder(activity.SortOldestFirst)), []string{"b", "c"}},
		{"pending", activity.BuildListOptions(activity.WithStatuses(activity.StatusPending)), []string{"c", "a"}},
		{"window", activity.BuildListOptions(activity.WithCreatedSince(base.Add(time.Minute)), activity.WithCreatedUntil(base.Add(time.Hour))), []string{"b"}},
		{"limit", activity.BuildListOptions(activity.WithLimit(1)), []string{"c"}},
		{"offset", activity.BuildListOptions(activity.WithLimit(1), activity.WithOffset(1)), []string{"b"}},
		{"offset past end", activity.BuildListOptions(activity.WithOffset(5)), nil},
	}
	for _, tc := range cases {
		got, err := store.List(ctx, tc.opts)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		ids := activityIDs(got)
		if len(ids) != len(tc.want) {
			t.Fatalf("%s: got %v want %v", tc.name, ids, tc.want)
		}
		for i := range ids {
			if ids[i] != tc.want[i] {
				t.Fatalf("%s: got %v want %v", tc.name, ids, tc.want)
			}
		}
	}
}

func activityIDs(rows []*activity.Activity) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ID)
	}
	return out
}
