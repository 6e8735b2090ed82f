package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorus.org/internal/access"
	"chorus.org/internal/auth"
	"chorus.org/internal/history"
	"chorus.org/internal/ledger"
	"chorus.org/internal/nav"
	"chorus.org/internal/obs"
	"chorus.org/internal/perm"
	"chorus.org/internal/registry"
	"chorus.org/internal/stream"
)

func day(s string) time.Time {
	t, err := time.Parse(ledger.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

type fixture struct {
	api    *API
	hub    *stream.Hub
	tokens *auth.Tokens

	tss, tks                 ledger.Organization
	leader, tenor, board     ledger.Role
	editor, member, outsider ledger.Person

	editorLeader, memberTenor, outsiderBoard ledger.RoleHolding
}

func newFixture(t *testing.T, mutate ...func(*Deps)) *fixture {
	t.Helper()
	ctx := context.Background()
	s := ledger.NewInMemory()
	f := &fixture{hub: stream.New(4)}
	var err error

	f.tss, err = s.CreateOrganization(ctx, ledger.Organization{Name: "TSS"})
	require.NoError(t, err)
	f.tks, err = s.CreateOrganization(ctx, ledger.Organization{Name: "TKS"})
	require.NoError(t, err)
	f.leader, err = s.CreateRole(ctx, ledger.Role{Name: "Formann", OrganizationID: f.tss.ID})
	require.NoError(t, err)
	require.NoError(t, s.SetGrants(ctx, f.leader.ID, []perm.Capability{
		perm.Role, perm.RoleHolding, perm.Grants, perm.MemberData,
	}))
	f.tenor, err = s.CreateRole(ctx, ledger.Role{Name: "1T", OrganizationID: f.tss.ID, Structural: true})
	require.NoError(t, err)
	f.board, err = s.CreateRole(ctx, ledger.Role{Name: "Styre", OrganizationID: f.tks.ID})
	require.NoError(t, err)

	for _, p := range []*ledger.Person{&f.editor, &f.member, &f.outsider} {
		*p, err = s.CreatePerson(ctx, ledger.Person{Name: "member"})
		require.NoError(t, err)
	}
	f.editorLeader, err = s.CreateRoleHolding(ctx, ledger.RoleHolding{PersonID: f.editor.ID, RoleID: f.leader.ID, Start: day("2020-01-01")})
	require.NoError(t, err)
	f.memberTenor, err = s.CreateRoleHolding(ctx, ledger.RoleHolding{PersonID: f.member.ID, RoleID: f.tenor.ID, Start: day("2019-08-01")})
	require.NoError(t, err)
	f.outsiderBoard, err = s.CreateRoleHolding(ctx, ledger.RoleHolding{PersonID: f.outsider.ID, RoleID: f.board.ID, Start: day("2019-08-01")})
	require.NoError(t, err)

	f.tokens, err = auth.NewTokens("test-secret", auth.WithTTL(time.Hour))
	require.NoError(t, err)
	logins := auth.NewMemoryStore()
	authSvc := auth.NewService(logins, f.tokens)
	_, err = authSvc.Register(ctx, "formann", "s3cret-pass", f.editor.ID, false)
	require.NoError(t, err)

	clock := func() time.Time { return day("2021-06-01") }
	logger := obs.NewLogger("json", &bytes.Buffer{})
	resolver := access.NewResolver(access.WithClock(clock), access.WithLogger(logger))
	deps := Deps{
		Store:      s,
		Resolver:   resolver,
		Registry:   registry.New(s, resolver, registry.WithSink(f.hub), registry.WithClock(clock), registry.WithLogger(logger)),
		Auth:       authSvc,
		Nav:        nav.Default(),
		Hub:        f.hub,
		Logger:     logger,
		Version:    "test",
		RateBurst:  1000,
		RatePerSec: 1000,
	}
	for _, m := range mutate {
		m(&deps)
	}
	f.api = New(deps)
	return f
}

func (f *fixture) token(t *testing.T, id auth.Identity) string {
	t.Helper()
	tok, err := f.tokens.Issue(id)
	require.NoError(t, err)
	return tok.AccessToken
}

func (f *fixture) as(t *testing.T, p ledger.Person) string {
	return f.token(t, auth.Identity{LoginID: "l-" + p.ID, PersonID: p.ID})
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.api.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestReadyzFollowsRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := newFixture(t, func(d *Deps) { d.Ready = ReadyProbe{Redis: client} })
	rec := f.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	mr.Close()
	rec = f.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not_ready", decode[map[string]any](t, rec)["status"])
}

func TestRequestIDIsPropagated(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	f.api.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get(requestIDHeader))
}

func TestTokenEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/auth/token", "", tokenRequest{Username: "Formann", Password: "s3cret-pass"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tok := decode[auth.Token](t, rec)
	assert.Equal(t, f.editor.ID, tok.Identity.PersonID)

	id, err := f.tokens.ParseAndValidate(tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, f.editor.ID, id.PersonID)

	rec = f.do(t, http.MethodPost, "/v1/auth/token", "", tokenRequest{Username: "formann", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/auth/token", "", map[string]string{"user": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/me/capabilities", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/me/capabilities", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerWithoutIdentityIsUnauthorized(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.api.handleCapabilities(rec, httptest.NewRequest(http.MethodGet, "/v1/me/capabilities", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	f.api.respondError(rec, httptest.NewRequest(http.MethodPut, "/v1/roles/r1", nil), registry.ErrForbidden)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCapabilities(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/me/capabilities", f.as(t, f.editor), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[capabilitiesResponse](t, rec)
	assert.Equal(t, "2021-06-01", resp.AsOf)
	assert.Contains(t, resp.Capabilities, perm.RoleHolding)
	assert.Contains(t, resp.Grants, access.Grant{Capability: perm.Role, OrganizationID: f.tss.ID})
	assert.NotContains(t, resp.Grants, access.Grant{Capability: perm.Role, OrganizationID: f.tks.ID})

	rec = f.do(t, http.MethodGet, "/v1/me/capabilities?as_of=2019-01-01", f.as(t, f.editor), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[capabilitiesResponse](t, rec).Grants)

	rec = f.do(t, http.MethodGet, "/v1/me/capabilities?simulate=true", f.as(t, f.editor), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[capabilitiesResponse](t, rec).Capabilities)

	rec = f.do(t, http.MethodGet, "/v1/me/capabilities?as_of=yesterday", f.as(t, f.editor), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestElevationRequiresSuperuser(t *testing.T) {
	f := newFixture(t)
	path := "/v1/me/capabilities?elevate_org=*&elevate_caps=export"

	rec := f.do(t, http.MethodGet, path, f.as(t, f.member), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[capabilitiesResponse](t, rec).Grants)

	root := f.token(t, auth.Identity{LoginID: "root", Superuser: true})
	rec = f.do(t, http.MethodGet, path, root, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.ElementsMatch(t, []access.Grant{
		{Capability: perm.Export, OrganizationID: f.tss.ID},
		{Capability: perm.Export, OrganizationID: f.tks.ID},
	}, decode[capabilitiesResponse](t, rec).Grants)
}

func TestScope(t *testing.T) {
	f := newFixture(t)
	tok := f.as(t, f.editor)

	rec := f.do(t, http.MethodGet, "/v1/scope/role_holding", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[scopeResponse](t, rec)
	assert.Equal(t, "edit", resp.Mode)
	assert.ElementsMatch(t, []string{f.editorLeader.ID, f.memberTenor.ID}, resp.IDs)

	rec = f.do(t, http.MethodGet, "/v1/scope/role?capability=notACapability", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[scopeResponse](t, rec).IDs)

	rec = f.do(t, http.MethodGet, "/v1/scope/spaceship", tok, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScopeVisibleIncludesSelf(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/scope/role_holding?visible=true", f.as(t, f.member), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[scopeResponse](t, rec)
	assert.Equal(t, "visible", resp.Mode)
	assert.Equal(t, []string{f.memberTenor.ID}, resp.IDs)
}

func TestForm(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/forms/role_holding/"+f.memberTenor.ID, f.as(t, f.editor), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	form := decode[map[string]any](t, rec)
	assert.Equal(t, true, form["editable"])

	rec = f.do(t, http.MethodGet, "/v1/forms/role_holding/"+f.outsiderBoard.ID, f.as(t, f.editor), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoleHoldingLifecycle(t *testing.T) {
	f := newFixture(t)
	tok := f.as(t, f.editor)

	rec := f.do(t, http.MethodPost, "/v1/role-holdings", tok, roleHoldingRequest{
		PersonID: f.member.ID, RoleID: f.leader.ID, Start: "2021-05-01",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[ledger.RoleHolding](t, rec)
	assert.Equal(t, f.member.ID, created.PersonID)

	rec = f.do(t, http.MethodPut, "/v1/role-holdings/"+created.ID, tok, map[string][]string{"end": {"2021-12-31"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[ledger.RoleHolding](t, rec)
	require.NotNil(t, updated.End)
	assert.Equal(t, day("2021-12-31"), ledger.Day(*updated.End))

	rec = f.do(t, http.MethodPost, "/v1/role-holdings", tok, roleHoldingRequest{
		PersonID: f.member.ID, RoleID: f.leader.ID, Start: "2021-05-01", End: "2021-01-01",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/role-holdings/"+created.ID, tok, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRoleHoldingForbiddenAndHidden(t *testing.T) {
	f := newFixture(t)
	tok := f.as(t, f.member)

	rec := f.do(t, http.MethodPost, "/v1/role-holdings", tok, roleHoldingRequest{
		PersonID: f.member.ID, RoleID: f.leader.ID, Start: "2021-05-01",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/role-holdings/"+f.memberTenor.ID, tok, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/role-holdings/"+f.outsiderBoard.ID, tok, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStructuralRoleIsProtected(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodDelete, "/v1/roles/"+f.tenor.ID, f.as(t, f.editor), nil)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestUpdateRoleStreamsHistory(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := f.hub.Subscribe(ctx)

	rec := f.do(t, http.MethodPut, "/v1/roles/"+f.leader.ID, f.as(t, f.editor), map[string][]string{"name": {"Leder"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Leder", decode[ledger.Role](t, rec).Name)

	select {
	case got := <-ch:
		assert.Equal(t, "role", got.EntityType)
		assert.Equal(t, f.editor.ID, got.AuthorID)
		assert.NotEmpty(t, got.RequestID)
	case <-time.After(time.Second):
		t.Fatal("no history record")
	}
}

func TestNav(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/nav", f.as(t, f.member), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"key":"roles"`)

	rec = f.do(t, http.MethodGet, "/v1/nav", f.as(t, f.editor), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"key":"roles"`)

	rec = f.do(t, http.MethodGet, "/v1/nav/roles/holdings", f.as(t, f.editor), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "holdings", decode[nav.Node](t, rec).Key)

	rec = f.do(t, http.MethodGet, "/v1/nav/roles/holdings", f.as(t, f.member), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimitRejectsBurst(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.RateBurst, d.RatePerSec = 1, 1 })
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "", nil).Code)

	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v2/nothing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decode[map[string]any](t, rec), "request_id")
}

func TestStreamRequiresSuperuser(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/history/stream", f.as(t, f.editor), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStreamRelaysRecords(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.api.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/history/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token(t, auth.Identity{LoginID: "root", Superuser: true}))

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": stream started\n", line)

	require.Eventually(t, func() bool { return f.hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	f.hub.Publish(history.Record{ID: "01H", EntityType: "role", InstanceID: f.leader.ID, Change: history.Update})

	var data string
	for data == "" {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(strings.TrimSpace(line), "data: ")
		}
	}
	var got history.Record
	require.NoError(t, json.Unmarshal([]byte(data), &got))
	assert.Equal(t, "01H", got.ID)
	assert.Equal(t, f.leader.ID, got.InstanceID)
}
