package pg

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorus.org/internal/access"
	"chorus.org/internal/history"
	"chorus.org/internal/ledger"
	"chorus.org/internal/perm"
)

func day(s string) time.Time {
	t, err := time.Parse(ledger.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return New(db), mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

func TestCompileOrganizationPath(t *testing.T) {
	var args []any
	got, err := CompilePredicate(access.Predicate{Entity: access.RoleHolding, Organizations: []string{"o1", "o2"}}, "r.id", &args)
	require.NoError(t, err)
	assert.Equal(t, "r.id in (select t1.id from role_holdings t1 where "+
		"t1.role_id in (select t2.id from roles t2 where t2.organization_id in ($1, $2)))", got)
	assert.Equal(t, []any{"o1", "o2"}, args)
}

func TestCompileTemporalEdgeAndSelf(t *testing.T) {
	var args []any
	p := access.Predicate{
		Entity:        access.Person,
		Organizations: []string{"o1"},
		Window:        ledger.Window{AsOf: day("2021-06-01")},
		Self:          "p1",
	}
	got, err := CompilePredicate(p, "r.id", &args)
	require.NoError(t, err)
	assert.Equal(t, "(r.id in (select t1.person_id from role_holdings t1 where "+
		"t1.role_id in (select t2.id from roles t2 where t2.organization_id in ($1)) "+
		"and t1.start_date <= $2 and (t1.end_date is null or t1.end_date >= $2)) "+
		"or r.id in ($3))", got)
	assert.Equal(t, []any{"o1", day("2021-06-01"), "p1"}, args)

	args = nil
	p.Window.Historical = true
	p.Self = ""
	got, err = CompilePredicate(p, "r.id", &args)
	require.NoError(t, err)
	assert.Contains(t, got, "and t1.start_date <= $2)")
	assert.NotContains(t, got, "end_date")
}

func TestCompileRelatedScope(t *testing.T) {
	var args []any
	p := access.Predicate{
		Entity: access.Person,
		Related: []access.RelatedPredicate{{
			Relation: access.Relation{Source: access.RoleHolding, Table: ledger.TableRoleHoldings, Column: "person_id"},
			Scope:    access.Predicate{Entity: access.RoleHolding, Organizations: []string{"o1"}},
		}},
	}
	got, err := CompilePredicate(p, "r.id", &args)
	require.NoError(t, err)
	assert.Equal(t, "r.id in (select t1.person_id from role_holdings t1 where "+
		"t1.id in (select t2.id from role_holdings t2 where "+
		"t2.role_id in (select t3.id from roles t3 where t3.organization_id in ($1))))", got)
}

func TestCompileUnscopedAndEmpty(t *testing.T) {
	var args []any
	got, err := CompilePredicate(access.Predicate{Entity: access.Role, Unscoped: true}, "r.id", &args)
	require.NoError(t, err)
	assert.Equal(t, "true", got)

	got, err = CompilePredicate(access.Predicate{Entity: access.Role}, "r.id", &args)
	require.NoError(t, err)
	assert.Equal(t, "false", got)
	assert.Empty(t, args)
}

func TestSnapshotListsThroughCompiledPredicate(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(q("select r.id from roles r where r.id in (select t1.id from roles t1 where t1.organization_id in ($1)) order by r.id")).
		WithArgs("o1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("r1").AddRow("r2"))
	mock.ExpectRollback()

	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	got, err := access.NewEvaluator(snap).List(context.Background(), access.Predicate{Entity: access.Role, Organizations: []string{"o1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, got)
	require.NoError(t, snap.Close())
}

func TestFollowAppliesWindowToRoleHoldings(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(q("select distinct role_id from role_holdings where person_id in ($1, $2) and role_id is not null "+
		"and start_date <= $3 and (end_date is null or end_date >= $3) order by role_id")).
		WithArgs("p1", "p2", day("2021-06-01")).
		WillReturnRows(sqlmock.NewRows([]string{"role_id"}).AddRow("r1"))
	mock.ExpectQuery(q("select distinct organization_id from roles where id in ($1) and organization_id is not null order by organization_id")).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"organization_id"}).AddRow("o1"))
	mock.ExpectRollback()

	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	defer snap.Close()
	window := ledger.Window{AsOf: time.Date(2021, 6, 1, 15, 30, 0, 0, time.UTC)}
	roles, err := snap.Follow(context.Background(), ledger.TableRoleHoldings, "person_id", "role_id", []string{"p1", "p2"}, window)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, roles)
	orgs, err := snap.Follow(context.Background(), ledger.TableRoles, "id", "organization_id", roles, window)
	require.NoError(t, err)
	assert.Equal(t, []string{"o1"}, orgs)
}

func TestFollowRefusesUnknownColumnsAndEmptyKeys(t *testing.T) {
	s, _ := newMock(t)
	r := reader{q: s.db}
	_, err := r.Follow(context.Background(), "people; drop table people", "id", "id", []string{"x"}, ledger.Window{})
	assert.Error(t, err)
	_, err = r.Follow(context.Background(), ledger.TableRoles, "id", "name", []string{"x"}, ledger.Window{})
	assert.Error(t, err)
	got, err := r.Follow(context.Background(), ledger.TableRoles, "id", "organization_id", nil, ledger.Window{})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestReaderNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from people where id").WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email", "login_id", "cross_org"}))
	mock.ExpectQuery("from roles r").WithArgs("r9").
		WillReturnRows(sqlmock.NewRows([]string{"id", "capability_id"}))

	r := reader{q: s.db}
	_, err := r.Person(context.Background(), "nobody")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = r.Grants(context.Background(), "r9")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestGrantsOfRoleWithoutCapabilities(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from roles r").WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "capability_id"}).AddRow("r1", nil))
	got, err := reader{q: s.db}.Grants(context.Background(), "r1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRoleHoldingScansOpenInterval(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from role_holdings where id").WithArgs("h1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "person_id", "role_id", "start_date", "end_date"}).
			AddRow("h1", "p1", "r1", day("2020-01-01"), nil))
	h, err := reader{q: s.db}.RoleHolding(context.Background(), "h1")
	require.NoError(t, err)
	assert.Equal(t, day("2020-01-01"), h.Start)
	assert.Nil(t, h.End)
	assert.True(t, h.ActiveOn(day("2030-01-01")))
}

func TestCreateRoleHoldingMapsConstraintViolations(t *testing.T) {
	s, mock := newMock(t)
	end := day("2021-12-31")
	mock.ExpectExec("insert into role_holdings").
		WithArgs(sqlmock.AnyArg(), "p1", "r1", day("2020-01-01"), end).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectExec("insert into role_holdings").
		WithArgs(sqlmock.AnyArg(), "p1", "missing", day("2020-01-01"), nil).
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})

	_, err := s.CreateRoleHolding(context.Background(), ledger.RoleHolding{PersonID: "p1", RoleID: "r1", Start: day("2020-01-01"), End: &end})
	assert.ErrorIs(t, err, ledger.ErrConflict)
	_, err = s.CreateRoleHolding(context.Background(), ledger.RoleHolding{PersonID: "p1", RoleID: "missing", Start: day("2020-01-01")})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

func TestCreateRoleHoldingRejectsEndBeforeStart(t *testing.T) {
	s, _ := newMock(t)
	end := day("2019-12-31")
	_, err := s.CreateRoleHolding(context.Background(), ledger.RoleHolding{PersonID: "p1", RoleID: "r1", Start: day("2020-01-01"), End: &end})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

func TestDeleteRoleHoldingNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("delete from role_holdings").WithArgs("h9").WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, s.DeleteRoleHolding(context.Background(), "h9"), ledger.ErrNotFound)
}

func roleRows(id, name string, structural bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name", "organization_id", "structural"}).AddRow(id, name, "o1", structural)
}

func TestDeleteRoleProtectsStructuralRoles(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("from roles where id = \\$1 for update").WithArgs("r1").WillReturnRows(roleRows("r1", "1T", true))
	mock.ExpectRollback()
	assert.ErrorIs(t, s.DeleteRole(context.Background(), "r1"), ledger.ErrProtected)
}

func TestDeleteRoleWithHoldingsConflicts(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("for update").WithArgs("r2").WillReturnRows(roleRows("r2", "Kasserer", false))
	mock.ExpectQuery("select exists").WithArgs("r2").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()
	assert.ErrorIs(t, s.DeleteRole(context.Background(), "r2"), ledger.ErrConflict)
}

func TestSetGrantsReplacesRows(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("for update").WithArgs("r1").WillReturnRows(roleRows("r1", "Formann", false))
	mock.ExpectExec("delete from role_capabilities").WithArgs("r1").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("insert into role_capabilities").WithArgs("r1", "export").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into role_capabilities").WithArgs("r1", "role").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	require.NoError(t, s.SetGrants(context.Background(), "r1", []perm.Capability{perm.Role, perm.Export, perm.Role}))
}

func TestSetGrantsRejectsInvalidCapability(t *testing.T) {
	s, _ := newMock(t)
	err := s.SetGrants(context.Background(), "r1", []perm.Capability{perm.Capability(0)})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

func TestUpdateRoleRenamesAndGrantsInOneTransaction(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("for update").WithArgs("r2").WillReturnRows(roleRows("r2", "Kasserer", false))
	mock.ExpectExec(q("update roles set name = $2 where id = $1")).WithArgs("r2", "Økonomiansvarlig").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from role_capabilities").WithArgs("r2").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into role_capabilities").WithArgs("r2", "export").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	r, err := s.UpdateRole(context.Background(), "r2", " Økonomiansvarlig ", []perm.Capability{perm.Export})
	require.NoError(t, err)
	assert.Equal(t, "Økonomiansvarlig", r.Name)
}

func TestUpdateRoleRollsBackRenameWhenGrantsFail(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("for update").WithArgs("r2").WillReturnRows(roleRows("r2", "Kasserer", false))
	mock.ExpectExec("update roles set name").WithArgs("r2", "Økonomi").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from role_capabilities").WithArgs("r2").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into role_capabilities").WithArgs("r2", "export").
		WillReturnError(&pgconn.PgError{Code: "23503"})
	mock.ExpectRollback()

	_, err := s.UpdateRole(context.Background(), "r2", "Økonomi", []perm.Capability{perm.Export})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

func TestCreateDecorationHoldingChecksOrdering(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select id, name, organization_id, lower_tier_id from decorations").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "organization_id", "lower_tier_id"}).
			AddRow("bronze", "Bronse", "o1", nil).
			AddRow("silver", "Sølv", "o1", "bronze"))
	mock.ExpectQuery("from people where id").WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email", "login_id", "cross_org"}).AddRow("p1", "Per", nil, nil, false))
	mock.ExpectQuery("select id from decoration_holdings").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("from decoration_holdings where person_id").WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "person_id", "decoration_id", "start_date"}).
			AddRow("dh1", "p1", "bronze", day("2022-01-01")))
	mock.ExpectRollback()

	_, err := s.CreateDecorationHolding(context.Background(), ledger.DecorationHolding{
		PersonID: "p1", DecorationID: "silver", Start: day("2021-01-01"),
	})
	var oe *ledger.OrderingError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "Bronse", oe.LowerTier)
	require.NotNil(t, oe.Lower)
	assert.Equal(t, "dh1", oe.Lower.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

func TestHistorySinkInsertsIdempotently(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(q("on conflict (id) do nothing")).
		WithArgs("01H", "role", "r1", "p1", "update", nil, nil, nil, `{"capabilities":["memberData"]}`, nil, at, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))
	err := s.HistorySink().Emit(context.Background(), history.Record{
		ID: "01H", EntityType: "role", InstanceID: "r1", AuthorID: "p1", Change: history.Update,
		Added: history.Fields{"capabilities": {"memberData"}}, At: at,
	})
	require.NoError(t, err)
}

func TestHistorySinkRecentDecodesFields(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("from history").WithArgs("role", "r1", 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "entity_type", "instance_id", "author_id", "change", "organization_id",
			"before", "after", "added", "removed", "at", "request_id"}).
			AddRow("01H", "role", "r1", "p1", "update", "o1", []byte(`{"name":["A"]}`), []byte(`{"name":["B"]}`), nil, nil, at, ""))
	got, err := s.HistorySink().Recent(context.Background(), "role", "r1", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, history.Update, got[0].Change)
	assert.Equal(t, history.Fields{"name": {"B"}}, got[0].After)
	assert.Nil(t, got[0].Added)
}

func TestMapErrorPassesThroughOtherErrors(t *testing.T) {
	assert.Equal(t, sql.ErrConnDone, mapError(sql.ErrConnDone, "x"))
	assert.ErrorIs(t, mapError(&pgconn.PgError{Code: pgErrCheckViolation, ConstraintName: "role_holdings_interval"}, "h"), ledger.ErrInvalidInput)
}
