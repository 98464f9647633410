// Package access implements C3 from the collaboration runtime spec: the
// permission grant model plus the AccessController's share-link,
// invitation, and block-list flows. Grounded on
// agent-api/app/collaboration/access_control.py; Permission/Role
// semantics are grounded directly on spec.md §4.3's literal bitmask and
// role table since the Python original's app.collaboration.permissions
// module was not retrieved alongside access_control.py.
package access

import (
	"sync"
	"time"

	"github.com/S-Corkum/devops-mcp/pkg/collaboration/runtime/model"
	"github.com/S-Corkum/devops-mcp/pkg/collaboration/runtime/rterrors"
	"github.com/S-Corkum/devops-mcp/pkg/observability"
)

// PermissionChecker is the PermissionChecker contract from spec.md §4.3.
type PermissionChecker struct {
	logger  observability.Logger
	metrics observability.MetricsClient

	mu     sync.RWMutex
	grants map[string]map[string]model.PermissionGrant // document_id -> user_id -> grant
	owners map[string]string                            // document_id -> owner_id
}

// NewPermissionChecker constructs a PermissionChecker.
func NewPermissionChecker(logger observability.Logger, metrics observability.MetricsClient) *PermissionChecker {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	return &PermissionChecker{
		logger:  logger,
		metrics: metrics,
		grants:  make(map[string]map[string]model.PermissionGrant),
		owners:  make(map[string]string),
	}
}

// Grant records a (user, document) permission grant.
func (p *PermissionChecker) Grant(userID, documentID string, perms model.Permission, grantedBy string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.grants[documentID] == nil {
		p.grants[documentID] = make(map[string]model.PermissionGrant)
	}
	p.grants[documentID][userID] = model.PermissionGrant{
		UserID:      userID,
		DocumentID:  documentID,
		Permissions: perms,
		GrantedBy:   grantedBy,
		GrantedAt:   time.Now(),
	}
	p.metrics.IncrementCounterWithLabels("collab.access.grant", 1, nil)
}

// Revoke removes a user's grant on a document.
func (p *PermissionChecker) Revoke(userID, documentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.grants[documentID]; ok {
		delete(m, userID)
	}
}

// setOwner records the owning user for a document (internal, used by
// AccessController.CreateDocument).
func (p *PermissionChecker) setOwner(documentID, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.owners[documentID] = userID
}

func (p *PermissionChecker) isOwner(documentID, userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.owners[documentID] == userID
}

// Check reports whether userID's grant on documentID satisfies required.
func (p *PermissionChecker) Check(userID, documentID string, required model.Permission) (bool, string) {
	if p.isOwner(documentID, userID) {
		return true, ""
	}
	p.mu.RLock()
	grant, ok := p.grants[documentID][userID]
	p.mu.RUnlock()
	if !ok {
		return false, "no grant"
	}
	if grant.Permissions.Has(required) {
		return true, ""
	}
	return false, "insufficient permissions"
}

// Require fails with PermissionDeniedError when Check would return false.
func (p *PermissionChecker) Require(userID, documentID string, required model.Permission) error {
	if ok, _ := p.Check(userID, documentID, required); ok {
		return nil
	}
	return &rterrors.PermissionDeniedError{UserID: userID, DocumentID: documentID, Required: permissionLabel(required)}
}

// GetDocumentGrants lists all grants on a document.
func (p *PermissionChecker) GetDocumentGrants(documentID string) []model.PermissionGrant {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []model.PermissionGrant
	for _, g := range p.grants[documentID] {
		out = append(out, g)
	}
	return out
}

func permissionLabel(p model.Permission) string {
	switch {
	case p.Has(model.PermissionFull):
		return "FULL"
	case p.Has(model.PermissionOwner):
		return "OWNER"
	case p.Has(model.PermissionAdmin):
		return "ADMIN"
	case p.Has(model.PermissionShare):
		return "SHARE"
	case p.Has(model.PermissionWrite):
		return "WRITE"
	case p.Has(model.PermissionComment):
		return "COMMENT"
	case p.Has(model.PermissionRead):
		return "READ"
	default:
		return "NONE"
	}
}
