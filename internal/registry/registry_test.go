package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorus.org/internal/access"
	"chorus.org/internal/fieldauth"
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

func ptr(t time.Time) *time.Time { return &t }

type recorder struct {
	mu      sync.Mutex
	records []history.Record
}

func (r *recorder) Emit(_ context.Context, rec history.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *recorder) last(t *testing.T) history.Record {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.records)
	return r.records[len(r.records)-1]
}

type fixture struct {
	store    *ledger.InMemory
	svc      *Service
	history  *recorder
	tss, tks ledger.Organization

	leader, tenor, treasurer, board ledger.Role
	bronze, silver                  ledger.Decoration

	editor, member, outsider   ledger.Person
	memberTenor, outsiderBoard ledger.RoleHolding
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	s := ledger.NewInMemory()
	f := fixture{store: s, history: &recorder{}}
	var err error
	f.tss, err = s.CreateOrganization(ctx, ledger.Organization{Name: "TSS"})
	require.NoError(t, err)
	f.tks, err = s.CreateOrganization(ctx, ledger.Organization{Name: "TKS"})
	require.NoError(t, err)

	f.leader, err = s.CreateRole(ctx, ledger.Role{Name: "Formann", OrganizationID: f.tss.ID})
	require.NoError(t, err)
	require.NoError(t, s.SetGrants(ctx, f.leader.ID, []perm.Capability{
		perm.Role, perm.RoleHolding, perm.Grants, perm.MemberData, perm.DecorationHolding,
	}))
	f.tenor, err = s.CreateRole(ctx, ledger.Role{Name: "1T", OrganizationID: f.tss.ID, Structural: true})
	require.NoError(t, err)
	f.treasurer, err = s.CreateRole(ctx, ledger.Role{Name: "Kasserer", OrganizationID: f.tss.ID})
	require.NoError(t, err)
	require.NoError(t, s.SetGrants(ctx, f.treasurer.ID, []perm.Capability{perm.Export}))
	f.board, err = s.CreateRole(ctx, ledger.Role{Name: "Styre", OrganizationID: f.tks.ID})
	require.NoError(t, err)

	f.bronze, err = s.CreateDecoration(ctx, ledger.Decoration{Name: "Bronse", OrganizationID: f.tss.ID})
	require.NoError(t, err)
	f.silver, err = s.CreateDecoration(ctx, ledger.Decoration{Name: "Sølv", OrganizationID: f.tss.ID, LowerTierID: f.bronze.ID})
	require.NoError(t, err)

	for _, p := range []*ledger.Person{&f.editor, &f.member, &f.outsider} {
		*p, err = s.CreatePerson(ctx, ledger.Person{Name: "member"})
		require.NoError(t, err)
	}
	_, err = s.CreateRoleHolding(ctx, ledger.RoleHolding{PersonID: f.editor.ID, RoleID: f.leader.ID, Start: day("2020-01-01")})
	require.NoError(t, err)
	f.memberTenor, err = s.CreateRoleHolding(ctx, ledger.RoleHolding{PersonID: f.member.ID, RoleID: f.tenor.ID, Start: day("2019-08-01")})
	require.NoError(t, err)
	f.outsiderBoard, err = s.CreateRoleHolding(ctx, ledger.RoleHolding{PersonID: f.outsider.ID, RoleID: f.board.ID, Start: day("2019-08-01")})
	require.NoError(t, err)

	clock := func() time.Time { return day("2021-06-01") }
	f.svc = New(s, access.NewResolver(access.WithClock(clock)), WithSink(f.history), WithClock(clock))
	return f
}

func (f fixture) as(p ledger.Person) access.Subject {
	return access.Subject{PersonID: p.ID}
}

func TestCreateRoleHoldingRecordsHistory(t *testing.T) {
	f := newFixture(t)
	h, err := f.svc.CreateRoleHolding(context.Background(), f.as(f.editor), RoleHoldingInput{
		PersonID: f.member.ID, RoleID: f.leader.ID, Start: day("2021-01-01"),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID)

	rec := f.history.last(t)
	assert.Equal(t, history.Create, rec.Change)
	assert.Equal(t, "role_holding", rec.EntityType)
	assert.Equal(t, h.ID, rec.InstanceID)
	assert.Equal(t, f.editor.ID, rec.AuthorID)
	assert.Equal(t, f.tss.ID, rec.OrganizationID)
	assert.Equal(t, []string{"2021-01-01"}, rec.After["start"])
}

func TestCreateRoleHoldingOutsideOrganizationIsForbidden(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateRoleHolding(context.Background(), f.as(f.editor), RoleHoldingInput{
		PersonID: f.member.ID, RoleID: f.board.ID, Start: day("2021-01-01"),
	})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestCreateRoleHoldingAboveGrantCeilingIsForbidden(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateRoleHolding(context.Background(), f.as(f.editor), RoleHoldingInput{
		PersonID: f.member.ID, RoleID: f.treasurer.ID, Start: day("2021-01-01"),
	})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestHoldingAboveGrantCeilingIsLockedWhole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	held, err := f.store.CreateRoleHolding(ctx, ledger.RoleHolding{
		PersonID: f.member.ID, RoleID: f.treasurer.ID, Start: day("2021-01-01"), End: ptr(day("2021-03-31")),
	})
	require.NoError(t, err)

	form, err := f.svc.Form(ctx, f.as(f.editor), access.RoleHolding, held.ID)
	require.NoError(t, err)
	assert.False(t, form.Editable)
	for _, d := range form.Fields {
		assert.Equal(t, fieldauth.Locked, d.Mode, d.Field)
	}

	_, err = f.svc.UpdateRoleHolding(ctx, f.as(f.editor), held.ID, fieldauth.Values{"person": {f.editor.ID}})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.UpdateRoleHolding(ctx, f.as(f.editor), held.ID, fieldauth.Values{"end": {"2030-12-31"}})
	assert.ErrorIs(t, err, ErrForbidden)
	assert.ErrorIs(t, f.svc.DeleteRoleHolding(ctx, f.as(f.editor), held.ID), ErrForbidden)

	snap, err := f.store.Snapshot(ctx)
	require.NoError(t, err)
	defer snap.Close()
	stored, err := snap.RoleHolding(ctx, held.ID)
	require.NoError(t, err)
	assert.Equal(t, f.member.ID, stored.PersonID)
	require.NotNil(t, stored.End)
	assert.Equal(t, day("2021-03-31"), *stored.End)

	caps, err := access.NewResolver().EffectiveCapabilities(ctx, snap, access.Subject{PersonID: f.editor.ID, AsOf: day("2021-02-01")})
	require.NoError(t, err)
	assert.False(t, caps.Has(perm.Export, f.tss.ID))
	assert.Empty(t, f.history.records)
}

func TestCreateRoleHoldingRejectsEndBeforeStart(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateRoleHolding(context.Background(), f.as(f.editor), RoleHoldingInput{
		PersonID: f.member.ID, RoleID: f.leader.ID, Start: day("2021-01-01"), End: ptr(day("2020-12-31")),
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
	assert.Contains(t, err.Error(), "end 2020-12-31 is before start 2021-01-01")
}

func TestUpdateRoleHoldingRevertsForgedFields(t *testing.T) {
	f := newFixture(t)
	updated, err := f.svc.UpdateRoleHolding(context.Background(), f.as(f.editor), f.memberTenor.ID, fieldauth.Values{
		"role": {f.treasurer.ID},
		"end":  {"2021-06-30"},
	})
	require.NoError(t, err)
	assert.Equal(t, f.tenor.ID, updated.RoleID)
	require.NotNil(t, updated.End)
	assert.Equal(t, day("2021-06-30"), *updated.End)

	rec := f.history.last(t)
	assert.Equal(t, history.Update, rec.Change)
	assert.Equal(t, history.Fields{"end": {"2021-06-30"}}, rec.After)
	assert.Equal(t, history.Fields{"end": nil}, rec.Before)
}

func TestUpdateWithoutChangeEmitsNothing(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.UpdateRoleHolding(context.Background(), f.as(f.editor), f.memberTenor.ID, fieldauth.Values{
		"start": {"2019-08-01"},
	})
	require.NoError(t, err)
	assert.Empty(t, f.history.records)
}

func TestUpdateOwnHoldingWithoutCapabilityIsForbidden(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.UpdateRoleHolding(context.Background(), f.as(f.member), f.memberTenor.ID, fieldauth.Values{
		"end": {"2021-06-30"},
	})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestInvisibleRecordIsNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.UpdateRoleHolding(context.Background(), f.as(f.editor), f.outsiderBoard.ID, fieldauth.Values{
		"end": {"2021-06-30"},
	})
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = f.svc.Form(context.Background(), f.as(f.editor), access.RoleHolding, f.outsiderBoard.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestUpdateRoleKeepsCapabilitiesTheEditorLacks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.UpdateRole(ctx, f.as(f.editor), f.treasurer.ID, fieldauth.Values{
		"capabilities": {perm.MemberData.String()},
	})
	require.NoError(t, err)

	snap, err := f.store.Snapshot(ctx)
	require.NoError(t, err)
	defer snap.Close()
	caps, err := ledger.CapabilitiesOf(ctx, snap, f.treasurer.ID)
	require.NoError(t, err)
	assert.Equal(t, []perm.Capability{perm.MemberData, perm.Export}, caps)

	rec := f.history.last(t)
	assert.Equal(t, history.Fields{"capabilities": {"memberData"}}, rec.Added)
	assert.Empty(t, rec.Removed)
}

// failingRoleStore rejects role updates after the form has been accepted.
type failingRoleStore struct {
	*ledger.InMemory
}

func (failingRoleStore) UpdateRole(context.Context, string, string, []perm.Capability) (ledger.Role, error) {
	return ledger.Role{}, fmt.Errorf("%w: concurrent update of role, retry", ledger.ErrConflict)
}

func TestUpdateRoleFailureLeavesRoleAndHistoryUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clock := func() time.Time { return day("2021-06-01") }
	svc := New(failingRoleStore{f.store}, access.NewResolver(access.WithClock(clock)), WithSink(f.history), WithClock(clock))

	_, err := svc.UpdateRole(ctx, f.as(f.editor), f.treasurer.ID, fieldauth.Values{
		"name":         {"Økonomiansvarlig"},
		"capabilities": {perm.Export.String(), perm.MemberData.String()},
	})
	assert.ErrorIs(t, err, ledger.ErrConflict)
	assert.Empty(t, f.history.records)

	snap, err := f.store.Snapshot(ctx)
	require.NoError(t, err)
	defer snap.Close()
	role, err := snap.Role(ctx, f.treasurer.ID)
	require.NoError(t, err)
	assert.Equal(t, "Kasserer", role.Name)
	caps, err := ledger.CapabilitiesOf(ctx, snap, f.treasurer.ID)
	require.NoError(t, err)
	assert.Equal(t, []perm.Capability{perm.Export}, caps)
}

func TestUpdateRoleRenamesAndGrantsTogether(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	role, err := f.svc.UpdateRole(ctx, f.as(f.editor), f.treasurer.ID, fieldauth.Values{
		"name":         {"Økonomiansvarlig"},
		"capabilities": {perm.Export.String(), perm.MemberData.String()},
	})
	require.NoError(t, err)
	assert.Equal(t, "Økonomiansvarlig", role.Name)

	require.Len(t, f.history.records, 1)
	rec := f.history.last(t)
	assert.Equal(t, []string{"Økonomiansvarlig"}, rec.After["name"])
	assert.Equal(t, history.Fields{"capabilities": {"memberData"}}, rec.Added)
}

func TestStructuralRoleCannotBeRenamedOrDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	role, err := f.svc.UpdateRole(ctx, f.as(f.editor), f.tenor.ID, fieldauth.Values{"name": {"Tenor 1"}})
	require.NoError(t, err)
	assert.Equal(t, "1T", role.Name)

	err = f.svc.DeleteRole(ctx, f.as(f.editor), f.tenor.ID)
	assert.ErrorIs(t, err, ledger.ErrProtected)
}

func TestDeleteRoleHolding(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.DeleteRoleHolding(context.Background(), f.as(f.editor), f.memberTenor.ID))
	rec := f.history.last(t)
	assert.Equal(t, history.Delete, rec.Change)
	assert.Equal(t, []string{f.tenor.ID}, rec.Before["role"])
}

func TestDecorationOrderingIsEnforced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subj := f.as(f.editor)

	_, err := f.svc.CreateDecorationHolding(ctx, subj, DecorationHoldingInput{
		PersonID: f.member.ID, DecorationID: f.silver.ID, Start: day("2021-01-01"),
	})
	var ordering *ledger.OrderingError
	require.ErrorAs(t, err, &ordering)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	bronze, err := f.svc.CreateDecorationHolding(ctx, subj, DecorationHoldingInput{
		PersonID: f.member.ID, DecorationID: f.bronze.ID, Start: day("2020-01-01"),
	})
	require.NoError(t, err)
	_, err = f.svc.CreateDecorationHolding(ctx, subj, DecorationHoldingInput{
		PersonID: f.member.ID, DecorationID: f.silver.ID, Start: day("2021-01-01"),
	})
	require.NoError(t, err)

	err = f.svc.DeleteDecorationHolding(ctx, subj, bronze.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

func TestHistoryFailureDoesNotFailWrite(t *testing.T) {
	f := newFixture(t)
	f.svc.sink = history.SinkFunc(func(context.Context, history.Record) error { return errors.New("queue down") })
	_, err := f.svc.CreateRoleHolding(context.Background(), f.as(f.editor), RoleHoldingInput{
		PersonID: f.member.ID, RoleID: f.leader.ID, Start: day("2021-02-01"),
	})
	assert.NoError(t, err)
}

func TestFormForStructuralRole(t *testing.T) {
	f := newFixture(t)
	form, err := f.svc.Form(context.Background(), f.as(f.editor), access.Role, f.tenor.ID)
	require.NoError(t, err)
	name, ok := form.Decision("name")
	require.True(t, ok)
	assert.Equal(t, fieldauth.Locked, name.Mode)
	assert.Equal(t, []string{"1T"}, name.Value)
}
