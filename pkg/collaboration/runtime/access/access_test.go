package access

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/S-Corkum/devops-mcp/pkg/collaboration/runtime/model"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	checker := NewPermissionChecker(nil, nil)
	return NewController(checker, nil, nil)
}

func TestCreateDocument_OwnerHasFull(t *testing.T) {
	c := newTestController(t)
	c.CreateDocument("doc-1", "owner", model.PermissionNone)

	allowed, _ := c.Checker().Check("owner", "doc-1", model.PermissionFull)
	require.True(t, allowed)
}

func TestShareLink_PasswordAndDomainRestriction(t *testing.T) {
	c := newTestController(t)
	c.CreateDocument("doc-1", "owner", model.PermissionNone)

	expires := time.Hour
	link, err := c.CreateShareLink("doc-1", "owner", model.ShareLinkEdit, &expires, nil, "secret", []string{"corp.example"})
	require.NoError(t, err)

	require.Nil(t, c.UseShareLink(link.Token, "alice", "wrong", "alice@corp.example"))
	require.Nil(t, c.UseShareLink(link.Token, "alice", "secret", "alice@other.example"))

	perms := c.UseShareLink(link.Token, "alice", "secret", "alice@corp.example")
	require.NotNil(t, perms)
	require.True(t, perms.Has(model.PermissionWrite))

	require.Equal(t, 1, link.UseCount)
	allowed, _ := c.Checker().Check("alice", "doc-1", model.PermissionWrite)
	require.True(t, allowed)
}

func TestBlockUser_RevokesGrant(t *testing.T) {
	c := newTestController(t)
	c.CreateDocument("doc-1", "owner", model.PermissionNone)
	c.Checker().Grant("bob", "doc-1", model.PermissionRead, "owner")

	require.NoError(t, c.BlockUser("doc-1", "owner", "bob"))
	require.False(t, c.CanAccess("bob", "doc-1", model.PermissionRead))

	allowed, _ := c.Checker().Check("bob", "doc-1", model.PermissionRead)
	require.False(t, allowed)
}

func TestSetObservers_FireOnInvitationSentAndAccessGranted(t *testing.T) {
	c := newTestController(t)
	c.CreateDocument("doc-1", "owner", model.PermissionNone)

	var sentTo string
	var grantedUser string
	var grantedPerms model.Permission
	c.SetObservers(
		func(userID, documentID string, perms model.Permission) {
			grantedUser = userID
			grantedPerms = perms
		},
		func(inv *model.Invitation) { sentTo = inv.InviteeEmail },
	)

	inv, err := c.CreateInvitation("doc-1", "owner", "alice@example.com", model.RoleEditor, time.Hour, "")
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", sentTo)

	_, err = c.AcceptInvitation(inv.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, "alice", grantedUser)
	require.True(t, grantedPerms.Has(model.PermissionWrite))
}

func TestInvitation_AcceptOnce(t *testing.T) {
	c := newTestController(t)
	c.CreateDocument("doc-1", "owner", model.PermissionNone)

	inv, err := c.CreateInvitation("doc-1", "owner", "alice@example.com", model.RoleEditor, time.Hour, "")
	require.NoError(t, err)

	grant, err := c.AcceptInvitation(inv.ID, "alice")
	require.NoError(t, err)
	require.NotNil(t, grant)

	grant2, err := c.AcceptInvitation(inv.ID, "alice")
	require.NoError(t, err)
	require.Nil(t, grant2)
}
