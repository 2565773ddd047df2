package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/harbormaster/internal/observability"
	"github.com/xkilldash9x/harbormaster/internal/sprout"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it
// in tests.
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Postgres implements Store on PostgreSQL. Per-appliance serialization uses
// SELECT ... FOR UPDATE; the reserve step brackets its capacity checks and
// the insert in one transaction.
type Postgres struct {
	db     DBPool
	logger *zap.Logger
}

var _ sprout.Store = (*Postgres)(nil)

// NewPostgres wraps an existing connection pool.
func NewPostgres(db DBPool) *Postgres {
	return &Postgres{db: db, logger: observability.GetLogger().Named("store")}
}

func metaJSON(m sprout.Metadata) []byte {
	if m == nil {
		return []byte("{}")
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return raw
}

func metaFrom(raw []byte) sprout.Metadata {
	if len(raw) == 0 {
		return nil
	}
	var m sprout.Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, sprout.ErrNotFound)
	}
	return err
}

// -- users / quotas --

func (s *Postgres) GetUser(ctx context.Context, username string) (*sprout.User, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, username, password_hash, staff, metadata FROM users WHERE username = $1`, username)
	var u sprout.User
	var meta []byte
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Staff, &meta); err != nil {
		return nil, notFound(err, "user "+username)
	}
	u.Metadata = metaFrom(meta)
	return &u, nil
}

func (s *Postgres) SaveUser(ctx context.Context, u *sprout.User) error {
	row := s.db.QueryRow(ctx,
		`INSERT INTO users (username, password_hash, staff, metadata)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (username) DO UPDATE
		 SET password_hash = EXCLUDED.password_hash, staff = EXCLUDED.staff, metadata = EXCLUDED.metadata
		 RETURNING id`,
		u.Username, u.PasswordHash, u.Staff, metaJSON(u.Metadata))
	return row.Scan(&u.ID)
}

func (s *Postgres) GetQuota(ctx context.Context, username string) (*sprout.UserApplianceQuota, error) {
	row := s.db.QueryRow(ctx,
		`SELECT username, per_pool_quota, total_pool_quota, total_vm_quota, metadata
		 FROM user_appliance_quotas WHERE username = $1`, username)
	var q sprout.UserApplianceQuota
	var meta []byte
	if err := row.Scan(&q.Username, &q.PerPoolQuota, &q.TotalPoolQuota, &q.TotalVMQuota, &meta); err != nil {
		return nil, notFound(err, "quota for "+username)
	}
	q.Metadata = metaFrom(meta)
	return &q, nil
}

func (s *Postgres) SaveQuota(ctx context.Context, q *sprout.UserApplianceQuota) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO user_appliance_quotas (username, per_pool_quota, total_pool_quota, total_vm_quota, metadata)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (username) DO UPDATE
		 SET per_pool_quota = EXCLUDED.per_pool_quota,
		     total_pool_quota = EXCLUDED.total_pool_quota,
		     total_vm_quota = EXCLUDED.total_vm_quota,
		     metadata = EXCLUDED.metadata`,
		q.Username, q.PerPoolQuota, q.TotalPoolQuota, q.TotalVMQuota, metaJSON(q.Metadata))
	return err
}

// -- providers --

func (s *Postgres) GetProvider(ctx context.Context, id string) (*sprout.Provider, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, ip_address, num_simultaneous_provisioning, num_simultaneous_configuring,
		        appliance_limit, disabled, metadata
		 FROM providers WHERE id = $1`, id)
	return scanProvider(row, id)
}

func scanProvider(row pgx.Row, id string) (*sprout.Provider, error) {
	var p sprout.Provider
	var meta []byte
	err := row.Scan(&p.ID, &p.IPAddress, &p.NumSimultaneousProvisioning,
		&p.NumSimultaneousConfiguring, &p.ApplianceLimit, &p.Disabled, &meta)
	if err != nil {
		return nil, notFound(err, "provider "+id)
	}
	p.Metadata = metaFrom(meta)
	return &p, nil
}

func (s *Postgres) SaveProvider(ctx context.Context, p *sprout.Provider) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO providers (id, ip_address, num_simultaneous_provisioning,
		        num_simultaneous_configuring, appliance_limit, disabled, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE
		 SET ip_address = EXCLUDED.ip_address,
		     num_simultaneous_provisioning = EXCLUDED.num_simultaneous_provisioning,
		     num_simultaneous_configuring = EXCLUDED.num_simultaneous_configuring,
		     appliance_limit = EXCLUDED.appliance_limit,
		     disabled = EXCLUDED.disabled,
		     metadata = EXCLUDED.metadata`,
		p.ID, p.IPAddress, p.NumSimultaneousProvisioning, p.NumSimultaneousConfiguring,
		p.ApplianceLimit, p.Disabled, metaJSON(p.Metadata))
	return err
}

func (s *Postgres) ListProviders(ctx context.Context) ([]*sprout.Provider, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, ip_address, num_simultaneous_provisioning, num_simultaneous_configuring,
		        appliance_limit, disabled, metadata
		 FROM providers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*sprout.Provider
	for rows.Next() {
		var p sprout.Provider
		var meta []byte
		if err := rows.Scan(&p.ID, &p.IPAddress, &p.NumSimultaneousProvisioning,
			&p.NumSimultaneousConfiguring, &p.ApplianceLimit, &p.Disabled, &meta); err != nil {
			return nil, err
		}
		p.Metadata = metaFrom(meta)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// -- groups --

func (s *Postgres) GetGroup(ctx context.Context, id string) (*sprout.Group, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, template_pool_size, unconfigured_template_pool_size,
		        template_obsolete_days, template_obsolete_days_delete, delete_script, metadata
		 FROM groups WHERE id = $1`, id)
	var g sprout.Group
	var meta []byte
	err := row.Scan(&g.ID, &g.TemplatePoolSize, &g.UnconfiguredTemplatePoolSize,
		&g.TemplateObsoleteDays, &g.TemplateObsoleteDaysDelete, &g.DeleteScript, &meta)
	if err != nil {
		return nil, notFound(err, "group "+id)
	}
	g.Metadata = metaFrom(meta)
	return &g, nil
}

func (s *Postgres) SaveGroup(ctx context.Context, g *sprout.Group) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO groups (id, template_pool_size, unconfigured_template_pool_size,
		        template_obsolete_days, template_obsolete_days_delete, delete_script, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE
		 SET template_pool_size = EXCLUDED.template_pool_size,
		     unconfigured_template_pool_size = EXCLUDED.unconfigured_template_pool_size,
		     template_obsolete_days = EXCLUDED.template_obsolete_days,
		     template_obsolete_days_delete = EXCLUDED.template_obsolete_days_delete,
		     delete_script = EXCLUDED.delete_script,
		     metadata = EXCLUDED.metadata`,
		g.ID, g.TemplatePoolSize, g.UnconfiguredTemplatePoolSize,
		g.TemplateObsoleteDays, g.TemplateObsoleteDaysDelete, g.DeleteScript, metaJSON(g.Metadata))
	return err
}

func (s *Postgres) ListGroups(ctx context.Context) ([]*sprout.Group, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, template_pool_size, unconfigured_template_pool_size,
		        template_obsolete_days, template_obsolete_days_delete, delete_script, metadata
		 FROM groups ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*sprout.Group
	for rows.Next() {
		var g sprout.Group
		var meta []byte
		if err := rows.Scan(&g.ID, &g.TemplatePoolSize, &g.UnconfiguredTemplatePoolSize,
			&g.TemplateObsoleteDays, &g.TemplateObsoleteDaysDelete, &g.DeleteScript, &meta); err != nil {
			return nil, err
		}
		g.Metadata = metaFrom(meta)
		out = append(out, &g)
	}
	return out, rows.Err()
}

// -- templates --

const templateColumns = `id, provider_id, group_id, name, original_name, version, date,
	ready, exists_on_provider, usable, preconfigured, suggested_delete,
	last_delete_script_error, metadata`

func scanTemplateRow(scan func(dest ...any) error) (*sprout.Template, error) {
	var t sprout.Template
	var meta []byte
	err := scan(&t.ID, &t.ProviderID, &t.GroupID, &t.Name, &t.OriginalName, &t.Version,
		&t.Date, &t.Ready, &t.Exists, &t.Usable, &t.Preconfigured, &t.SuggestedDelete,
		&t.LastDeleteScriptError, &meta)
	if err != nil {
		return nil, err
	}
	t.Metadata = metaFrom(meta)
	return &t, nil
}

func (s *Postgres) GetTemplate(ctx context.Context, id int64) (*sprout.Template, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM templates WHERE id = $1`, id)
	t, err := scanTemplateRow(row.Scan)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("template %d", id))
	}
	return t, nil
}

func (s *Postgres) SaveTemplate(ctx context.Context, t *sprout.Template) error {
	if t.ID == 0 {
		row := s.db.QueryRow(ctx,
			`INSERT INTO templates (provider_id, group_id, name, original_name, version, date,
			        ready, exists_on_provider, usable, preconfigured, suggested_delete,
			        last_delete_script_error, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			 RETURNING id`,
			t.ProviderID, t.GroupID, t.Name, t.OriginalName, t.Version, t.Date,
			t.Ready, t.Exists, t.Usable, t.Preconfigured, t.SuggestedDelete,
			t.LastDeleteScriptError, metaJSON(t.Metadata))
		return row.Scan(&t.ID)
	}
	_, err := s.db.Exec(ctx,
		`UPDATE templates
		 SET provider_id = $2, group_id = $3, name = $4, original_name = $5, version = $6,
		     date = $7, ready = $8, exists_on_provider = $9, usable = $10, preconfigured = $11,
		     suggested_delete = $12, last_delete_script_error = $13, metadata = $14
		 WHERE id = $1`,
		t.ID, t.ProviderID, t.GroupID, t.Name, t.OriginalName, t.Version, t.Date,
		t.Ready, t.Exists, t.Usable, t.Preconfigured, t.SuggestedDelete,
		t.LastDeleteScriptError, metaJSON(t.Metadata))
	return err
}

func (s *Postgres) ListTemplates(ctx context.Context, f sprout.TemplateFilter) ([]*sprout.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates WHERE 1=1`
	var args []any
	add := func(cond string, val any) {
		args = append(args, val)
		query += fmt.Sprintf(" AND "+cond, len(args))
	}
	if f.GroupID != "" {
		add("group_id = $%d", f.GroupID)
	}
	if f.ProviderID != "" {
		add("provider_id = $%d", f.ProviderID)
	}
	if f.Version != "" {
		add("version = $%d", f.Version)
	}
	if f.Date != nil {
		add("date = $%d", *f.Date)
	}
	if f.Preconfigured != nil {
		add("preconfigured = $%d", *f.Preconfigured)
	}
	if f.Ready != nil {
		add("ready = $%d", *f.Ready)
	}
	if f.Usable != nil {
		add("usable = $%d", *f.Usable)
	}
	if f.Exists != nil {
		add("exists_on_provider = $%d", *f.Exists)
	}
	query += " ORDER BY id"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*sprout.Template
	for rows.Next() {
		t, err := scanTemplateRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// -- pools --

const poolColumns = `id, owner, group_id, version, date, template_id, preconfigured, yum_update,
	num_appliances, lease_time_seconds, not_needed_anymore, finished, description, metadata`

func scanPoolRow(scan func(dest ...any) error) (*sprout.AppliancePool, error) {
	var p sprout.AppliancePool
	var meta []byte
	var leaseSeconds int64
	err := scan(&p.ID, &p.Owner, &p.GroupID, &p.Version, &p.Date, &p.TemplateID,
		&p.Preconfigured, &p.YumUpdate, &p.NumAppliances, &leaseSeconds,
		&p.NotNeededAnymore, &p.Finished, &p.Description, &meta)
	if err != nil {
		return nil, err
	}
	p.LeaseTime = time.Duration(leaseSeconds) * time.Second
	p.Metadata = metaFrom(meta)
	return &p, nil
}

func (s *Postgres) CreatePool(ctx context.Context, p *sprout.AppliancePool) error {
	row := s.db.QueryRow(ctx,
		`INSERT INTO appliance_pools (owner, group_id, version, date, template_id, preconfigured,
		        yum_update, num_appliances, lease_time_seconds, not_needed_anymore, finished,
		        description, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING id`,
		p.Owner, p.GroupID, p.Version, p.Date, p.TemplateID, p.Preconfigured,
		p.YumUpdate, p.NumAppliances, int64(p.LeaseTime/time.Second),
		p.NotNeededAnymore, p.Finished, p.Description, metaJSON(p.Metadata))
	return row.Scan(&p.ID)
}

func (s *Postgres) GetPool(ctx context.Context, id int64) (*sprout.AppliancePool, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+poolColumns+` FROM appliance_pools WHERE id = $1`, id)
	p, err := scanPoolRow(row.Scan)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("pool %d", id))
	}
	return p, nil
}

func (s *Postgres) SavePool(ctx context.Context, p *sprout.AppliancePool) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE appliance_pools
		 SET owner = $2, group_id = $3, version = $4, date = $5, template_id = $6,
		     preconfigured = $7, yum_update = $8, num_appliances = $9,
		     lease_time_seconds = $10, not_needed_anymore = $11, finished = $12,
		     description = $13, metadata = $14
		 WHERE id = $1`,
		p.ID, p.Owner, p.GroupID, p.Version, p.Date, p.TemplateID, p.Preconfigured,
		p.YumUpdate, p.NumAppliances, int64(p.LeaseTime/time.Second),
		p.NotNeededAnymore, p.Finished, p.Description, metaJSON(p.Metadata))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pool %d: %w", p.ID, sprout.ErrNotFound)
	}
	return nil
}

func (s *Postgres) DeletePool(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, `DELETE FROM appliance_pools WHERE id = $1`, id)
	return err
}

func (s *Postgres) ListPools(ctx context.Context, f sprout.PoolFilter) ([]*sprout.AppliancePool, error) {
	query := `SELECT ` + poolColumns + ` FROM appliance_pools WHERE 1=1`
	var args []any
	if f.Owner != "" {
		args = append(args, f.Owner)
		query += fmt.Sprintf(" AND owner = $%d", len(args))
	}
	if f.NotNeeded != nil {
		args = append(args, *f.NotNeeded)
		query += fmt.Sprintf(" AND not_needed_anymore = $%d", len(args))
	}
	query += " ORDER BY id"
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*sprout.AppliancePool
	for rows.Next() {
		p, err := scanPoolRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// -- appliances --

const applianceColumns = `id, owner, name, ip_address, uuid, template_id, pool_id, ready,
	exists_on_provider, lun_disk_connected, power_state, power_state_changed,
	status, status_changed, datetime_leased, leased_until, description, metadata`

func scanApplianceRow(scan func(dest ...any) error) (*sprout.Appliance, error) {
	var a sprout.Appliance
	var meta []byte
	err := scan(&a.ID, &a.Owner, &a.Name, &a.IPAddress, &a.UUID, &a.TemplateID, &a.PoolID,
		&a.Ready, &a.Exists, &a.LunDiskConnected, &a.PowerState, &a.PowerStateChanged,
		&a.Status, &a.StatusChanged, &a.DatetimeLeased, &a.LeasedUntil, &a.Description, &meta)
	if err != nil {
		return nil, err
	}
	a.Metadata = metaFrom(meta)
	return &a, nil
}

func applianceArgs(a *sprout.Appliance) []any {
	return []any{
		a.Owner, a.Name, a.IPAddress, a.UUID, a.TemplateID, a.PoolID, a.Ready,
		a.Exists, a.LunDiskConnected, a.PowerState, a.PowerStateChanged,
		a.Status, a.StatusChanged, a.DatetimeLeased, a.LeasedUntil, a.Description,
		metaJSON(a.Metadata),
	}
}

const applianceInsert = `INSERT INTO appliances (owner, name, ip_address, uuid, template_id, pool_id,
	ready, exists_on_provider, lun_disk_connected, power_state, power_state_changed,
	status, status_changed, datetime_leased, leased_until, description, metadata)
 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
 RETURNING id`

const applianceUpdate = `UPDATE appliances
 SET owner = $2, name = $3, ip_address = $4, uuid = $5, template_id = $6, pool_id = $7,
     ready = $8, exists_on_provider = $9, lun_disk_connected = $10, power_state = $11,
     power_state_changed = $12, status = $13, status_changed = $14, datetime_leased = $15,
     leased_until = $16, description = $17, metadata = $18
 WHERE id = $1`

func (s *Postgres) GetAppliance(ctx context.Context, id int64) (*sprout.Appliance, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+applianceColumns+` FROM appliances WHERE id = $1`, id)
	a, err := scanApplianceRow(row.Scan)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("appliance %d", id))
	}
	return a, nil
}

func (s *Postgres) FindAppliance(ctx context.Context, identifier string) (*sprout.Appliance, error) {
	if id, err := strconv.ParseInt(identifier, 10, 64); err == nil {
		a, err := s.GetAppliance(ctx, id)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, sprout.ErrNotFound) {
			return nil, err
		}
	}
	row := s.db.QueryRow(ctx,
		`SELECT `+applianceColumns+` FROM appliances
		 WHERE ip_address = $1 OR name = $1 ORDER BY id LIMIT 1`, identifier)
	a, err := scanApplianceRow(row.Scan)
	if err != nil {
		return nil, notFound(err, "appliance "+identifier)
	}
	return a, nil
}

func (s *Postgres) SaveAppliance(ctx context.Context, a *sprout.Appliance) error {
	if a.ID == 0 {
		row := s.db.QueryRow(ctx, applianceInsert, applianceArgs(a)...)
		return row.Scan(&a.ID)
	}
	_, err := s.db.Exec(ctx, applianceUpdate, append([]any{a.ID}, applianceArgs(a)...)...)
	return err
}

func (s *Postgres) ListAppliances(ctx context.Context, f sprout.ApplianceFilter) ([]*sprout.Appliance, error) {
	query := `SELECT ` + applianceColumns + ` FROM appliances WHERE 1=1`
	var args []any
	if !f.IncludeGone {
		query += ` AND status NOT IN ('destroying', 'destroyed')`
	}
	if f.PoolID != nil {
		args = append(args, *f.PoolID)
		query += fmt.Sprintf(" AND pool_id = $%d", len(args))
	}
	if f.Shepherd {
		query += ` AND pool_id = 0 AND ready`
	}
	if f.Owner != "" {
		args = append(args, f.Owner)
		query += fmt.Sprintf(" AND owner = $%d", len(args))
	}
	query += " ORDER BY id"
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*sprout.Appliance
	for rows.Next() {
		a, err := scanApplianceRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Postgres) CountAppliancesByOwner(ctx context.Context, owner string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM appliances
		 WHERE owner = $1 AND status NOT IN ('destroying', 'destroyed')`, owner).Scan(&n)
	return n, err
}

func (s *Postgres) CountAppliancesOnProvider(ctx context.Context, providerID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM appliances a
		 JOIN templates t ON t.id = a.template_id
		 WHERE t.provider_id = $1 AND a.status <> 'destroyed'`, providerID).Scan(&n)
	return n, err
}

func (s *Postgres) CountAppliancesInState(ctx context.Context, providerID string, states ...sprout.ProvisionState) (int, error) {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM appliances a
		 JOIN templates t ON t.id = a.template_id
		 WHERE t.provider_id = $1 AND a.status = ANY($2)`, providerID, names).Scan(&n)
	return n, err
}

// WithAppliance locks the row, applies fn, and writes the result back inside
// one transaction.
func (s *Postgres) WithAppliance(ctx context.Context, id int64, fn func(a *sprout.Appliance) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+applianceColumns+` FROM appliances WHERE id = $1 FOR UPDATE`, id)
	a, err := scanApplianceRow(row.Scan)
	if err != nil {
		return notFound(err, fmt.Sprintf("appliance %d", id))
	}
	if err := fn(a); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, applianceUpdate, append([]any{a.ID}, applianceArgs(a)...)...); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ReserveAndAssign evaluates the provider's capacity counters and inserts
// the appliance in the same transaction, locking the provider row so
// concurrent reservations serialize.
func (s *Postgres) ReserveAndAssign(ctx context.Context, providerID string, a *sprout.Appliance) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var slots, limit int
	err = tx.QueryRow(ctx,
		`SELECT num_simultaneous_provisioning, appliance_limit
		 FROM providers WHERE id = $1 FOR UPDATE`, providerID).Scan(&slots, &limit)
	if err != nil {
		return notFound(err, "provider "+providerID)
	}

	var inFlight int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM appliances a
		 JOIN templates t ON t.id = a.template_id
		 WHERE t.provider_id = $1 AND a.status IN ('queued', 'provisioning')`, providerID).Scan(&inFlight)
	if err != nil {
		return err
	}
	if inFlight >= slots {
		return sprout.ErrNoCapacity
	}
	if limit > 0 {
		var total int
		err = tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM appliances a
			 JOIN templates t ON t.id = a.template_id
			 WHERE t.provider_id = $1 AND a.status <> 'destroyed'`, providerID).Scan(&total)
		if err != nil {
			return err
		}
		if total >= limit {
			return sprout.ErrNoCapacity
		}
	}

	if err := tx.QueryRow(ctx, applianceInsert, applianceArgs(a)...).Scan(&a.ID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// -- delayed tasks --

func (s *Postgres) CreateDelayedTask(ctx context.Context, t *sprout.DelayedProvisionTask) error {
	row := s.db.QueryRow(ctx,
		`INSERT INTO delayed_provision_tasks (pool_id, lease_time_seconds, provider_to_avoid, metadata)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		t.PoolID, int64(t.LeaseTime/time.Second), t.ProviderToAvoid, metaJSON(t.Metadata))
	return row.Scan(&t.ID)
}

func (s *Postgres) ListDelayedTasks(ctx context.Context, poolID int64) ([]*sprout.DelayedProvisionTask, error) {
	query := `SELECT id, pool_id, lease_time_seconds, provider_to_avoid, metadata
	          FROM delayed_provision_tasks`
	var args []any
	if poolID != 0 {
		query += ` WHERE pool_id = $1`
		args = append(args, poolID)
	}
	query += ` ORDER BY id`
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*sprout.DelayedProvisionTask
	for rows.Next() {
		var t sprout.DelayedProvisionTask
		var meta []byte
		var leaseSeconds int64
		if err := rows.Scan(&t.ID, &t.PoolID, &leaseSeconds, &t.ProviderToAvoid, &meta); err != nil {
			return nil, err
		}
		t.LeaseTime = time.Duration(leaseSeconds) * time.Second
		t.Metadata = metaFrom(meta)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *Postgres) DeleteDelayedTask(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, `DELETE FROM delayed_provision_tasks WHERE id = $1`, id)
	return err
}

// -- mismatch mailer --

func (s *Postgres) RecordVersionMismatch(ctx context.Context, m *sprout.MismatchVersionMailer) (bool, error) {
	// The partial unique index on (provider_id, template_name,
	// actual_version) WHERE NOT sent makes the dedup a conflict no-op.
	row := s.db.QueryRow(ctx,
		`INSERT INTO mismatch_version_mailers
		        (provider_id, template_name, supposed_version, actual_version, sent, metadata)
		 VALUES ($1, $2, $3, $4, false, $5)
		 ON CONFLICT (provider_id, template_name, actual_version) WHERE NOT sent DO NOTHING
		 RETURNING id`,
		m.ProviderID, m.TemplateName, m.SupposedVersion, m.ActualVersion, metaJSON(m.Metadata))
	if err := row.Scan(&m.ID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Postgres) ListUnsentMailers(ctx context.Context) ([]*sprout.MismatchVersionMailer, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, provider_id, template_name, supposed_version, actual_version, sent, metadata
		 FROM mismatch_version_mailers WHERE NOT sent ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*sprout.MismatchVersionMailer
	for rows.Next() {
		var m sprout.MismatchVersionMailer
		var meta []byte
		if err := rows.Scan(&m.ID, &m.ProviderID, &m.TemplateName, &m.SupposedVersion,
			&m.ActualVersion, &m.Sent, &meta); err != nil {
			return nil, err
		}
		m.Metadata = metaFrom(meta)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *Postgres) MarkMailerSent(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, `UPDATE mismatch_version_mailers SET sent = true WHERE id = $1`, id)
	return err
}
