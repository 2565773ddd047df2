package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/harbormaster/internal/sprout"
)

// flexibleSQL builds a whitespace-insensitive regex for SQL expectations.
func flexibleSQL(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func newMockStore(t *testing.T) (*Postgres, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgres(mock), mock
}

func applianceRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "owner", "name", "ip_address", "uuid", "template_id", "pool_id", "ready",
		"exists_on_provider", "lun_disk_connected", "power_state", "power_state_changed",
		"status", "status_changed", "datetime_leased", "leased_until", "description", "metadata",
	})
}

func addApplianceRow(rows *pgxmock.Rows, a *sprout.Appliance) *pgxmock.Rows {
	return rows.AddRow(
		a.ID, a.Owner, a.Name, a.IPAddress, a.UUID, a.TemplateID, a.PoolID, a.Ready,
		a.Exists, a.LunDiskConnected, a.PowerState, a.PowerStateChanged,
		a.Status, a.StatusChanged, a.DatetimeLeased, a.LeasedUntil, a.Description, []byte("{}"),
	)
}

func sampleAppliance(id int64) *sprout.Appliance {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	return &sprout.Appliance{
		ID:                id,
		Owner:             "mia",
		Name:              "hm-rhel-a1b2c3d4",
		IPAddress:         "10.0.0.7",
		UUID:              uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"),
		TemplateID:        3,
		PoolID:            9,
		Ready:             true,
		Exists:            true,
		PowerState:        sprout.PowerOn,
		PowerStateChanged: now,
		Status:            sprout.StateReady,
		StatusChanged:     now,
	}
}

func TestGetUserMapsNoRowsToNotFound(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(flexibleSQL(`SELECT id, username, password_hash, staff, metadata FROM users WHERE username = $1`)).
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err := st.GetUser(context.Background(), "ghost")
	assert.ErrorIs(t, err, sprout.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUserScansRow(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(flexibleSQL(`SELECT id, username, password_hash, staff, metadata FROM users WHERE username = $1`)).
		WithArgs("mia").
		WillReturnRows(pgxmock.NewRows([]string{"id", "username", "password_hash", "staff", "metadata"}).
			AddRow(int64(4), "mia", "abcd", true, []byte(`{"team":"qe"}`)))

	u, err := st.GetUser(context.Background(), "mia")
	require.NoError(t, err)
	assert.Equal(t, int64(4), u.ID)
	assert.True(t, u.Staff)
	assert.Equal(t, "qe", u.Metadata["team"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveTemplateInsertsWhenNew(t *testing.T) {
	st, mock := newMockStore(t)
	tmpl := &sprout.Template{
		ProviderID: "vsphere-1",
		GroupID:    "rhel",
		Name:       "rhel-94",
		Version:    "9.4.0",
		Date:       time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Ready:      true,
		Exists:     true,
		Usable:     true,
	}

	mock.ExpectQuery(flexibleSQL(`INSERT INTO templates`)).
		WithArgs(tmpl.ProviderID, tmpl.GroupID, tmpl.Name, tmpl.OriginalName, tmpl.Version,
			tmpl.Date, tmpl.Ready, tmpl.Exists, tmpl.Usable, tmpl.Preconfigured,
			tmpl.SuggestedDelete, tmpl.LastDeleteScriptError, []byte("{}")).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(11)))

	require.NoError(t, st.SaveTemplate(context.Background(), tmpl))
	assert.Equal(t, int64(11), tmpl.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveTemplateUpdatesWhenExisting(t *testing.T) {
	st, mock := newMockStore(t)
	tmpl := &sprout.Template{ID: 11, ProviderID: "vsphere-1", GroupID: "rhel", Name: "rhel-94"}

	mock.ExpectExec(flexibleSQL(`UPDATE templates`)).
		WithArgs(tmpl.ID, tmpl.ProviderID, tmpl.GroupID, tmpl.Name, tmpl.OriginalName,
			tmpl.Version, tmpl.Date, tmpl.Ready, tmpl.Exists, tmpl.Usable,
			tmpl.Preconfigured, tmpl.SuggestedDelete, tmpl.LastDeleteScriptError, []byte("{}")).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, st.SaveTemplate(context.Background(), tmpl))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListTemplatesAppendsFilterClauses(t *testing.T) {
	st, mock := newMockStore(t)
	yes := true

	mock.ExpectQuery(flexibleSQL(`FROM templates WHERE 1=1 AND group_id = $1 AND ready = $2 ORDER BY id`)).
		WithArgs("rhel", true).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "provider_id", "group_id", "name", "original_name", "version", "date",
			"ready", "exists_on_provider", "usable", "preconfigured", "suggested_delete",
			"last_delete_script_error", "metadata",
		}).AddRow(int64(1), "vsphere-1", "rhel", "rhel-94", "", "9.4.0",
			time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			true, true, true, false, false, "", []byte("{}")))

	templates, err := st.ListTemplates(context.Background(), sprout.TemplateFilter{
		GroupID: "rhel",
		Ready:   &yes,
	})
	require.NoError(t, err)
	require.Len(t, templates, 1)
	assert.Equal(t, "rhel-94", templates[0].Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePoolMissingRowIsNotFound(t *testing.T) {
	st, mock := newMockStore(t)
	pool := &sprout.AppliancePool{ID: 77, Owner: "mia", GroupID: "rhel", NumAppliances: 1}

	mock.ExpectExec(flexibleSQL(`UPDATE appliance_pools`)).
		WithArgs(pool.ID, pool.Owner, pool.GroupID, pool.Version, pool.Date,
			pool.TemplateID, pool.Preconfigured, pool.YumUpdate, pool.NumAppliances,
			int64(0), pool.NotNeededAnymore, pool.Finished, pool.Description,
			[]byte("{}")).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := st.SavePool(context.Background(), pool)
	assert.ErrorIs(t, err, sprout.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithApplianceLocksAndCommits(t *testing.T) {
	st, mock := newMockStore(t)
	a := sampleAppliance(5)

	mock.ExpectBegin()
	mock.ExpectQuery(flexibleSQL(`FROM appliances WHERE id = $1 FOR UPDATE`)).
		WithArgs(a.ID).
		WillReturnRows(addApplianceRow(applianceRows(), a))
	mock.ExpectExec(flexibleSQL(`UPDATE appliances`)).
		WithArgs(a.ID, a.Owner, a.Name, a.IPAddress, a.UUID, a.TemplateID, a.PoolID,
			false, a.Exists, a.LunDiskConnected, a.PowerState, a.PowerStateChanged,
			a.Status, a.StatusChanged, a.DatetimeLeased, a.LeasedUntil, a.Description, []byte("{}")).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

	err := st.WithAppliance(context.Background(), a.ID, func(row *sprout.Appliance) error {
		row.Ready = false
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithApplianceRollsBackOnCallbackError(t *testing.T) {
	st, mock := newMockStore(t)
	a := sampleAppliance(5)
	boom := errors.New("taken concurrently")

	mock.ExpectBegin()
	mock.ExpectQuery(flexibleSQL(`FROM appliances WHERE id = $1 FOR UPDATE`)).
		WithArgs(a.ID).
		WillReturnRows(addApplianceRow(applianceRows(), a))
	mock.ExpectRollback()

	err := st.WithAppliance(context.Background(), a.ID, func(*sprout.Appliance) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveAndAssignRejectsFullProvider(t *testing.T) {
	st, mock := newMockStore(t)
	a := sampleAppliance(0)
	a.ID = 0

	mock.ExpectBegin()
	mock.ExpectQuery(flexibleSQL(`FROM providers WHERE id = $1 FOR UPDATE`)).
		WithArgs("vsphere-1").
		WillReturnRows(pgxmock.NewRows([]string{"num_simultaneous_provisioning", "appliance_limit"}).
			AddRow(2, 0))
	mock.ExpectQuery(flexibleSQL(`a.status IN ('queued', 'provisioning')`)).
		WithArgs("vsphere-1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectRollback()

	err := st.ReserveAndAssign(context.Background(), "vsphere-1", a)
	assert.ErrorIs(t, err, sprout.ErrNoCapacity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveAndAssignInsertsInsideTransaction(t *testing.T) {
	st, mock := newMockStore(t)
	a := sampleAppliance(0)
	a.ID = 0

	mock.ExpectBegin()
	mock.ExpectQuery(flexibleSQL(`FROM providers WHERE id = $1 FOR UPDATE`)).
		WithArgs("vsphere-1").
		WillReturnRows(pgxmock.NewRows([]string{"num_simultaneous_provisioning", "appliance_limit"}).
			AddRow(5, 0))
	mock.ExpectQuery(flexibleSQL(`a.status IN ('queued', 'provisioning')`)).
		WithArgs("vsphere-1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(flexibleSQL(`INSERT INTO appliances`)).
		WithArgs(a.Owner, a.Name, a.IPAddress, a.UUID, a.TemplateID, a.PoolID, a.Ready,
			a.Exists, a.LunDiskConnected, a.PowerState, a.PowerStateChanged,
			a.Status, a.StatusChanged, a.DatetimeLeased, a.LeasedUntil, a.Description, []byte("{}")).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectCommit()
	mock.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

	require.NoError(t, st.ReserveAndAssign(context.Background(), "vsphere-1", a))
	assert.Equal(t, int64(42), a.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordVersionMismatchDeduplicates(t *testing.T) {
	st, mock := newMockStore(t)
	m := &sprout.MismatchVersionMailer{
		ProviderID:      "vsphere-1",
		TemplateName:    "rhel-94",
		SupposedVersion: "9.4.0",
		ActualVersion:   "9.4.1",
	}

	mock.ExpectQuery(flexibleSQL(`INSERT INTO mismatch_version_mailers`)).
		WithArgs(m.ProviderID, m.TemplateName, m.SupposedVersion, m.ActualVersion, []byte("{}")).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(8)))

	created, err := st.RecordVersionMismatch(context.Background(), m)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(8), m.ID)

	// The partial unique index turns repeats into a conflict no-op.
	mock.ExpectQuery(flexibleSQL(`INSERT INTO mismatch_version_mailers`)).
		WithArgs(m.ProviderID, m.TemplateName, m.SupposedVersion, m.ActualVersion, []byte("{}")).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	created, err = st.RecordVersionMismatch(context.Background(), m)
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindApplianceFallsBackToNameOrIP(t *testing.T) {
	st, mock := newMockStore(t)
	a := sampleAppliance(5)

	mock.ExpectQuery(flexibleSQL(`WHERE ip_address = $1 OR name = $1 ORDER BY id LIMIT 1`)).
		WithArgs("10.0.0.7").
		WillReturnRows(addApplianceRow(applianceRows(), a))

	got, err := st.FindAppliance(context.Background(), "10.0.0.7")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
