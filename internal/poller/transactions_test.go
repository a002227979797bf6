package poller

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	balanceservice "github.com/smallbiznis/voltara/internal/balance/service"
	"github.com/smallbiznis/voltara/internal/clock"
	consumptiondomain "github.com/smallbiznis/voltara/internal/consumption/domain"
	consumptionrepo "github.com/smallbiznis/voltara/internal/consumption/repository"
	"github.com/smallbiznis/voltara/internal/meterapi"
	"github.com/smallbiznis/voltara/internal/migration"
	"github.com/smallbiznis/voltara/internal/site"
	transactionrepo "github.com/smallbiznis/voltara/internal/transaction/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, migration.AutoMigrate(db))
	return db
}

type fakeLedger struct {
	entries map[string][]meterapi.LedgerTransaction
	calls   int
}

func (f *fakeLedger) Transactions(ctx context.Context, providerCode string, offset, limit int) ([]meterapi.LedgerTransaction, error) {
	f.calls++
	entries := f.entries[providerCode]
	if offset >= len(entries) {
		return nil, nil
	}
	end := offset + limit
	if end > len(entries) {
		end = len(entries)
	}
	return entries[offset:end], nil
}

func ledgerEntry(id, kind string, amount, rate, units float64, created time.Time, meter, customer string) meterapi.LedgerTransaction {
	entry := meterapi.LedgerTransaction{
		ID:      id,
		Kind:    kind,
		Amount:  amount,
		Rate:    rate,
		Units:   units,
		Created: created,
	}
	entry.ToData.MeterSerial = meter
	entry.ToData.CustomerCode = customer
	return entry
}

func newTestTransactionPoller(t *testing.T, db *gorm.DB, ledger LedgerReader, now time.Time) *TransactionPoller {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	reg, err := site.NewRegistry(
		[]site.Provider{{Code: "alpha", DefaultRate: 250}},
		[]site.Site{{Code: "MAK", Community: "makota", ProviderCode: "alpha"}},
	)
	require.NoError(t, err)

	balances := balanceservice.NewService(balanceservice.Params{
		DB:              db,
		Log:             zap.NewNop(),
		GenID:           node,
		Clock:           clock.NewFakeClock(now),
		ConsumptionRepo: consumptionrepo.Provide(),
		TransactionRepo: transactionrepo.Provide(),
	})

	return NewTransactionPoller(db, zap.NewNop(), clock.NewFakeClock(now), ledger, reg, consumptionrepo.Provide(), balances, nil, Config{
		TransactionPageSize: 2,
		TransactionLookback: 48 * time.Hour,
	})
}

func TestTransactionPoller_RecordsAndDedupes(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	ledger := &fakeLedger{entries: map[string][]meterapi.LedgerTransaction{
		"alpha": {
			ledgerEntry("tx-1", "credit", 5000, 0, 0, now.Add(-time.Hour), "SM-1", "ACC-01"),
		},
	}}
	poller := newTestTransactionPoller(t, db, ledger, now)

	require.NoError(t, poller.RunOnce(ctx))
	require.NoError(t, poller.RunOnce(ctx))

	var count int64
	require.NoError(t, db.Table("transactions").Count(&count).Error)
	assert.Equal(t, int64(1), count)

	// No ledger rate: the provider default applies. 5000 / 250 = 20 kWh.
	var kwh float64
	require.NoError(t, db.Raw(`SELECT kwh_value FROM transactions WHERE external_id = 'alpha:tx-1'`).Scan(&kwh).Error)
	assert.InDelta(t, 20.0, kwh, 1e-9)
}

func TestTransactionPoller_StopsAtLookbackCutoff(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	ledger := &fakeLedger{entries: map[string][]meterapi.LedgerTransaction{
		"alpha": {
			ledgerEntry("tx-new", "credit", 1000, 100, 0, now.Add(-time.Hour), "SM-1", "ACC-01"),
			ledgerEntry("tx-old", "credit", 1000, 100, 0, now.Add(-72*time.Hour), "SM-1", "ACC-01"),
			ledgerEntry("tx-ancient", "credit", 1000, 100, 0, now.Add(-96*time.Hour), "SM-1", "ACC-01"),
		},
	}}
	poller := newTestTransactionPoller(t, db, ledger, now)

	require.NoError(t, poller.RunOnce(ctx))

	var ids []string
	require.NoError(t, db.Raw(`SELECT external_id FROM transactions`).Scan(&ids).Error)
	assert.Equal(t, []string{"alpha:tx-new"}, ids)
	// The walk ended inside the first page; no second page was requested.
	assert.Equal(t, 1, ledger.calls)
}

func TestTransactionPoller_ResolvesAccountFromMeterAndUsesUnits(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	// The hourly store knows which account the meter belongs to.
	_, err = consumptionrepo.Provide().InsertBatch(ctx, db, []consumptiondomain.HourlyBucket{{
		ID:            node.Generate(),
		AccountNumber: "ACC-09",
		MeterID:       "SM-9",
		ReadingHour:   now.Add(-time.Hour).Truncate(time.Hour),
		KWh:           1.0,
		Community:     "makota",
		Source:        "alpha",
	}})
	require.NoError(t, err)

	ledger := &fakeLedger{entries: map[string][]meterapi.LedgerTransaction{
		"alpha": {
			ledgerEntry("tx-9", "vend", 9000, 0, 42.0, now.Add(-time.Minute), "SM-9", ""),
		},
	}}
	poller := newTestTransactionPoller(t, db, ledger, now)

	require.NoError(t, poller.RunOnce(ctx))

	var row struct {
		AccountNumber string
		KWhValue      float64 `gorm:"column:kwh_value"`
	}
	require.NoError(t, db.Raw(`SELECT account_number, kwh_value FROM transactions WHERE external_id = 'alpha:tx-9'`).Scan(&row).Error)
	assert.Equal(t, "ACC-09", row.AccountNumber)
	assert.InDelta(t, 42.0, row.KWhValue, 1e-9)
}

func TestTransactionPoller_IDLessEntriesGetDistinctKeys(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// Some provider ledgers omit transaction IDs entirely. Each entry must
	// still dedupe on its own key, not collapse onto a shared one.
	ledger := &fakeLedger{entries: map[string][]meterapi.LedgerTransaction{
		"alpha": {
			ledgerEntry("", "credit", 5000, 0, 0, now.Add(-time.Hour), "SM-1", "ACC-01"),
			ledgerEntry("", "credit", 2500, 0, 0, now.Add(-2*time.Hour), "SM-1", "ACC-01"),
		},
	}}
	poller := newTestTransactionPoller(t, db, ledger, now)

	require.NoError(t, poller.RunOnce(ctx))

	var ids []string
	require.NoError(t, db.Raw(`SELECT external_id FROM transactions ORDER BY external_id`).Scan(&ids).Error)
	require.Len(t, ids, 2)
	for _, id := range ids {
		assert.True(t, strings.HasPrefix(id, "h:"), "expected fallback hash key, got %q", id)
	}
	assert.NotEqual(t, ids[0], ids[1])

	// Replaying the same page still deduplicates.
	require.NoError(t, poller.RunOnce(ctx))
	var count int64
	require.NoError(t, db.Table("transactions").Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestTransactionPoller_IgnoresNonVendKinds(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	ledger := &fakeLedger{entries: map[string][]meterapi.LedgerTransaction{
		"alpha": {
			ledgerEntry("tx-1", "deposit", 5000, 0, 0, now.Add(-time.Hour), "SM-1", "ACC-01"),
			ledgerEntry("tx-2", "payment", 1000, 100, 0, now.Add(-2*time.Hour), "SM-1", "ACC-01"),
		},
	}}
	poller := newTestTransactionPoller(t, db, ledger, now)

	require.NoError(t, poller.RunOnce(ctx))

	var ids []string
	require.NoError(t, db.Raw(`SELECT external_id FROM transactions`).Scan(&ids).Error)
	assert.Equal(t, []string{"alpha:tx-2"}, ids)
}
