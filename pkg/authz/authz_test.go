package authz

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
)

func newAuthorizer(t *testing.T) *CELAuthorizer {
	t.Helper()
	a, err := NewCELAuthorizer(func() time.Time { return time.Unix(1700000000, 0) })
	require.NoError(t, err)
	return a
}

func TestCELAuthorizer_OwnersAndAdmins(t *testing.T) {
	a := newAuthorizer(t)
	ctx := context.Background()
	ns := &assets.Namespace{Name: "site", Prefix: "/site/", Owners: []string{"alice"}}

	assert.NoError(t, a.Authorize(ctx, Caller{ID: "alice"}, ns, ActionWrite))
	assert.NoError(t, a.Authorize(ctx, Caller{ID: "root", Roles: []string{RoleAdmin}}, ns, ActionWrite))
	assert.ErrorIs(t, a.Authorize(ctx, Caller{ID: "mallory"}, ns, ActionWrite), assets.ErrPermissionDenied)
}

func TestCELAuthorizer_AdminActionNeedsRole(t *testing.T) {
	a := newAuthorizer(t)
	ctx := context.Background()

	assert.ErrorIs(t, a.Authorize(ctx, Caller{ID: "alice"}, nil, ActionAdmin), assets.ErrPermissionDenied)
	assert.NoError(t, a.Authorize(ctx, Caller{ID: "ops", Roles: []string{RoleAdmin}}, nil, ActionAdmin))
}

func TestCELAuthorizer_Rule(t *testing.T) {
	a := newAuthorizer(t)
	ctx := context.Background()
	ns := &assets.Namespace{
		Name:   "releases",
		Prefix: "/releases/",
		Rule:   `"deployer" in caller.roles && action == "write" && timestamp > 0`,
	}

	assert.NoError(t, a.Authorize(ctx, Caller{ID: "ci", Roles: []string{"deployer"}}, ns, ActionWrite))
	assert.ErrorIs(t, a.Authorize(ctx, Caller{ID: "ci"}, ns, ActionWrite), assets.ErrPermissionDenied)
	assert.ErrorIs(t, a.Authorize(ctx, Caller{ID: "ci", Roles: []string{"deployer"}}, ns, ActionAdmin), assets.ErrPermissionDenied)
}

func TestCELAuthorizer_BrokenRuleDenies(t *testing.T) {
	a := newAuthorizer(t)
	ns := &assets.Namespace{Name: "site", Prefix: "/site/", Rule: `caller.id +`}

	assert.Error(t, a.Check(ns.Rule))
	err := a.Authorize(context.Background(), Caller{ID: "alice"}, ns, ActionWrite)
	assert.ErrorIs(t, err, assets.ErrPermissionDenied)

	ns.Rule = `caller.id`
	err = a.Authorize(context.Background(), Caller{ID: "alice"}, ns, ActionWrite)
	assert.ErrorIs(t, err, assets.ErrPermissionDenied)
}

func TestCELAuthorizer_CachesPrograms(t *testing.T) {
	a := newAuthorizer(t)
	ns := &assets.Namespace{Name: "site", Prefix: "/site/", Rule: `caller.id.startsWith("team-")`}
	for i := 0; i < 3; i++ {
		assert.NoError(t, a.Authorize(context.Background(), Caller{ID: "team-a"}, ns, ActionWrite))
	}
	assert.Len(t, a.prgCache, 1)
}
