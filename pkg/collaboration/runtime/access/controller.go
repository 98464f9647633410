package access

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/S-Corkum/devops-mcp/pkg/collaboration/runtime/model"
	"github.com/S-Corkum/devops-mcp/pkg/collaboration/runtime/rterrors"
	"github.com/S-Corkum/devops-mcp/pkg/observability"
)

// Controller is the AccessController contract from spec.md §4.3, built on
// top of PermissionChecker.
type Controller struct {
	checker *PermissionChecker
	logger  observability.Logger
	metrics observability.MetricsClient

	mu          sync.RWMutex
	policies    map[string]*model.AccessPolicy
	shareLinks  map[string]*model.ShareLink // by token
	invitations map[string]*model.Invitation

	onAccessGranted  func(userID, documentID string, perms model.Permission)
	onInvitationSent func(*model.Invitation)
}

// SetObservers wires the on_access_granted and on_invitation_sent
// callbacks from spec.md §6.
func (c *Controller) SetObservers(onAccessGranted func(userID, documentID string, perms model.Permission), onInvitationSent func(*model.Invitation)) {
	c.onAccessGranted = onAccessGranted
	c.onInvitationSent = onInvitationSent
}

// NewController constructs an AccessController.
func NewController(checker *PermissionChecker, logger observability.Logger, metrics observability.MetricsClient) *Controller {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	return &Controller{
		checker:     checker,
		logger:      logger,
		metrics:     metrics,
		policies:    make(map[string]*model.AccessPolicy),
		shareLinks:  make(map[string]*model.ShareLink),
		invitations: make(map[string]*model.Invitation),
	}
}

// CreateDocument creates a policy and grants the owner FULL permissions.
func (c *Controller) CreateDocument(documentID, owner string, publicAccess model.Permission) *model.AccessPolicy {
	c.mu.Lock()
	defer c.mu.Unlock()

	policy := &model.AccessPolicy{
		DocumentID:   documentID,
		OwnerID:      owner,
		PublicAccess: publicAccess,
		DefaultRole:  model.RoleViewer,
		BlockedUsers: make(map[string]struct{}),
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	c.policies[documentID] = policy
	c.checker.setOwner(documentID, owner)
	c.checker.Grant(owner, documentID, model.PermissionFull, owner)
	return policy
}

// UpdatePolicy applies updates to an existing policy; requires ADMIN.
func (c *Controller) UpdatePolicy(documentID, updater string, apply func(*model.AccessPolicy)) error {
	if err := c.checker.Require(updater, documentID, model.PermissionAdmin); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	policy, ok := c.policies[documentID]
	if !ok {
		return &rterrors.NotFoundError{Kind: "policy", ID: documentID}
	}
	apply(policy)
	policy.UpdatedAt = time.Now()
	return nil
}

// DeleteDocument requires OWNER and cascades to links, invitations, and grants.
func (c *Controller) DeleteDocument(documentID, user string) error {
	if err := c.checker.Require(user, documentID, model.PermissionOwner); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.policies, documentID)
	for token, link := range c.shareLinks {
		if link.DocumentID == documentID {
			delete(c.shareLinks, token)
		}
	}
	for id, inv := range c.invitations {
		if inv.DocumentID == documentID {
			delete(c.invitations, id)
		}
	}
	c.checker.mu.Lock()
	delete(c.checker.grants, documentID)
	delete(c.checker.owners, documentID)
	c.checker.mu.Unlock()
	return nil
}

// CreateShareLink requires SHARE and mints a high-entropy token.
func (c *Controller) CreateShareLink(documentID, creator string, linkType model.ShareLinkType, expiresIn *time.Duration, maxUses *int, password string, allowedDomains []string) (*model.ShareLink, error) {
	if err := c.checker.Require(creator, documentID, model.PermissionShare); err != nil {
		return nil, err
	}

	token, err := generateToken(32)
	if err != nil {
		return nil, err
	}

	link := &model.ShareLink{
		ID:             uuid.New().String(),
		DocumentID:     documentID,
		LinkType:       linkType,
		Token:          token,
		CreatedBy:      creator,
		CreatedAt:      time.Now(),
		AllowedDomains: allowedDomains,
	}
	if expiresIn != nil {
		exp := time.Now().Add(*expiresIn)
		link.ExpiresAt = &exp
	}
	if maxUses != nil {
		m := *maxUses
		link.MaxUses = &m
	}
	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		link.PasswordHash = string(hash)
	}

	c.mu.Lock()
	c.shareLinks[token] = link
	c.mu.Unlock()
	return link, nil
}

func generateToken(numBytes int) (string, error) {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// UseShareLink validates and, on success, grants access and increments
// use_count. Returns nil permissions on any invalidity, per spec.md §7
// "User-visible behaviour".
func (c *Controller) UseShareLink(token, user, password, email string) *model.Permission {
	c.mu.Lock()
	defer c.mu.Unlock()

	link, ok := c.shareLinks[token]
	if !ok || !link.IsValid() {
		return nil
	}
	if link.PasswordHash != "" {
		if bcrypt.CompareHashAndPassword([]byte(link.PasswordHash), []byte(password)) != nil {
			return nil
		}
	}
	if len(link.AllowedDomains) > 0 {
		if !domainAllowed(email, link.AllowedDomains) {
			return nil
		}
	}

	perms := model.LinkPermissions[link.LinkType]
	link.UseCount++
	c.checker.Grant(user, link.DocumentID, perms, "share_link:"+link.ID)
	if c.onAccessGranted != nil {
		c.onAccessGranted(user, link.DocumentID, perms)
	}
	return &perms
}

func domainAllowed(email string, allowed []string) bool {
	at := -1
	for i, ch := range email {
		if ch == '@' {
			at = i
		}
	}
	if at < 0 {
		return false
	}
	domain := email[at+1:]
	for _, d := range allowed {
		if d == domain {
			return true
		}
	}
	return false
}

// CreateInvitation requires SHARE.
func (c *Controller) CreateInvitation(documentID, inviter, inviteeEmail string, role model.Role, expiresIn time.Duration, message string) (*model.Invitation, error) {
	if err := c.checker.Require(inviter, documentID, model.PermissionShare); err != nil {
		return nil, err
	}
	inv := &model.Invitation{
		ID:           uuid.New().String(),
		DocumentID:   documentID,
		InviterID:    inviter,
		InviteeEmail: inviteeEmail,
		Role:         role,
		Status:       model.InvitationPending,
		Message:      message,
		CreatedAt:    time.Now(),
		ExpiresAt:    time.Now().Add(expiresIn),
	}
	c.mu.Lock()
	c.invitations[inv.ID] = inv
	c.mu.Unlock()
	if c.onInvitationSent != nil {
		c.onInvitationSent(inv)
	}
	return inv, nil
}

// AcceptInvitation grants the role's permissions; returns nil if the
// invitation cannot be accepted (already handled, expired).
func (c *Controller) AcceptInvitation(id, user string) (*model.PermissionGrant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	inv, ok := c.invitations[id]
	if !ok {
		return nil, &rterrors.NotFoundError{Kind: "invitation", ID: id}
	}
	if !inv.CanAccept() {
		return nil, nil
	}

	perms := model.RolePermissions[inv.Role]
	c.checker.Grant(user, inv.DocumentID, perms, inv.InviterID)
	now := time.Now()
	inv.Status = model.InvitationAccepted
	inv.AcceptedAt = &now
	inv.InviteeID = &user

	grant := model.PermissionGrant{
		UserID:      user,
		DocumentID:  inv.DocumentID,
		Permissions: perms,
		GrantedBy:   inv.InviterID,
		GrantedAt:   now,
	}
	if c.onAccessGranted != nil {
		c.onAccessGranted(user, inv.DocumentID, perms)
	}
	return &grant, nil
}

// DeclineInvitation marks a pending invitation declined.
func (c *Controller) DeclineInvitation(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	inv, ok := c.invitations[id]
	if !ok {
		return &rterrors.NotFoundError{Kind: "invitation", ID: id}
	}
	if inv.Status != model.InvitationPending {
		return nil
	}
	inv.Status = model.InvitationDeclined
	return nil
}

// RevokeInvitation requires SHARE.
func (c *Controller) RevokeInvitation(id, revoker string) error {
	c.mu.Lock()
	inv, ok := c.invitations[id]
	c.mu.Unlock()
	if !ok {
		return &rterrors.NotFoundError{Kind: "invitation", ID: id}
	}
	if err := c.checker.Require(revoker, inv.DocumentID, model.PermissionShare); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	inv.Status = model.InvitationRevoked
	return nil
}

// CanAccess implements spec.md §4.3's CanAccess: block list first, then
// public access, then PermissionChecker.
func (c *Controller) CanAccess(user, documentID string, required model.Permission) bool {
	c.mu.RLock()
	policy, ok := c.policies[documentID]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	if _, blocked := policy.BlockedUsers[user]; blocked {
		return false
	}
	if policy.PublicAccess.Has(required) {
		return true
	}
	allowed, _ := c.checker.Check(user, documentID, required)
	return allowed
}

// BlockUser requires ADMIN; also revokes the blocked user's grant.
func (c *Controller) BlockUser(documentID, blocker, user string) error {
	if err := c.checker.Require(blocker, documentID, model.PermissionAdmin); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	policy, ok := c.policies[documentID]
	if !ok {
		return &rterrors.NotFoundError{Kind: "policy", ID: documentID}
	}
	policy.BlockedUsers[user] = struct{}{}
	c.checker.Revoke(user, documentID)
	return nil
}

// UnblockUser removes user from the block list.
func (c *Controller) UnblockUser(documentID, unblocker, user string) error {
	if err := c.checker.Require(unblocker, documentID, model.PermissionAdmin); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	policy, ok := c.policies[documentID]
	if !ok {
		return &rterrors.NotFoundError{Kind: "policy", ID: documentID}
	}
	delete(policy.BlockedUsers, user)
	return nil
}

// Checker exposes the underlying PermissionChecker for callers (e.g. the
// Coordinator) that need direct Check/Require access.
func (c *Controller) Checker() *PermissionChecker { return c.checker }
