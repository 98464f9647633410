// Package model defines the data types shared across the collaboration
// runtime's components: documents, sessions, locks, conflicts, access
// control, and snapshots.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Permission is a bitmask of capabilities a user holds on a document.
type Permission uint8

const (
	PermissionNone    Permission = 0
	PermissionRead    Permission = 1 << 0
	PermissionWrite   Permission = 1 << 1
	PermissionComment Permission = 1 << 2
	PermissionShare   Permission = 1 << 3
	PermissionAdmin   Permission = 1 << 4
	PermissionOwner   Permission = 1 << 5
	PermissionFull    = PermissionRead | PermissionWrite | PermissionComment | PermissionShare | PermissionAdmin | PermissionOwner
)

// Has reports whether p contains every bit set in required.
func (p Permission) Has(required Permission) bool {
	return p&required == required
}

// Add returns p with the given bits set.
func (p Permission) Add(bits Permission) Permission { return p | bits }

// Remove returns p with the given bits cleared.
func (p Permission) Remove(bits Permission) Permission { return p &^ bits }

// Role is a named bundle of permission bits.
type Role string

const (
	RoleViewer    Role = "VIEWER"
	RoleCommenter Role = "COMMENTER"
	RoleEditor    Role = "EDITOR"
	RoleAdmin     Role = "ADMIN"
	RoleOwner     Role = "OWNER"
)

// RolePermissions is the fixed role -> permission-bits mapping from spec.md §4.3.
var RolePermissions = map[Role]Permission{
	RoleViewer:    PermissionRead,
	RoleCommenter: PermissionRead | PermissionComment,
	RoleEditor:    PermissionRead | PermissionComment | PermissionWrite,
	RoleAdmin:     PermissionRead | PermissionComment | PermissionWrite | PermissionShare | PermissionAdmin,
	RoleOwner:     PermissionFull,
}

// SessionState is the lifecycle state of a Session.
type SessionState string

const (
	SessionActive       SessionState = "ACTIVE"
	SessionIdle         SessionState = "IDLE"
	SessionDisconnected SessionState = "DISCONNECTED"
	SessionExpired      SessionState = "EXPIRED"
	SessionTerminated   SessionState = "TERMINATED"
)

// Session is the server-side counterpart of a connected client.
type Session struct {
	ID            string
	UserID        string
	ClientID      string
	State         SessionState
	CreatedAt     time.Time
	LastActivity  time.Time
	ExpiresAt     time.Time
	Documents     map[string]struct{}
	SessionData   map[string]map[string]map[string]interface{} // document_id -> key -> {"value": value}
}

// NewSession constructs a Session in the ACTIVE state.
func NewSession(userID, clientID string, ttl time.Duration) *Session {
	now := time.Now()
	return &Session{
		ID:           uuid.New().String(),
		UserID:       userID,
		ClientID:     clientID,
		State:        SessionActive,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(ttl),
		Documents:    make(map[string]struct{}),
		SessionData:  make(map[string]map[string]map[string]interface{}),
	}
}

// LockType is the acquisition mode of a Lock.
type LockType string

const (
	LockExclusive       LockType = "EXCLUSIVE"
	LockShared          LockType = "SHARED"
	LockIntentExclusive LockType = "INTENT_EXCLUSIVE"
	LockIntentShared    LockType = "INTENT_SHARED"
)

// LockScope is the extent a Lock covers.
type LockScope string

const (
	ScopeDocument LockScope = "DOCUMENT"
	ScopeSection  LockScope = "SECTION"
	ScopeField    LockScope = "FIELD"
)

// LockState is the lifecycle state of a Lock.
type LockState string

const (
	LockAcquired LockState = "ACQUIRED"
	LockReleased LockState = "RELEASED"
	LockExpiredS LockState = "EXPIRED"
)

// LockRange is a half-open [Start, End) byte/character range for SECTION locks.
type LockRange struct {
	Start int
	End   int
}

// Overlaps reports whether r and other describe intersecting ranges.
func (r LockRange) Overlaps(other LockRange) bool {
	return !(r.End <= other.Start || other.End <= r.Start)
}

// Contains reports whether position falls within [Start, End).
func (r LockRange) Contains(position int) bool {
	return position >= r.Start && position < r.End
}

// Lock is a held or previously-held exclusion primitive over a document region.
type Lock struct {
	ID         string
	DocumentID string
	UserID     string
	SessionID  string
	Type       LockType
	Scope      LockScope
	Range      *LockRange
	FieldName  string
	State      LockState
	AcquiredAt time.Time
	ExpiresAt  time.Time
	ReleasedAt *time.Time
	Metadata   map[string]interface{}
}

// IsExpired reports whether the lock's expiry has passed.
func (l *Lock) IsExpired() bool {
	return time.Now().After(l.ExpiresAt)
}

// ConflictType classifies the kind of disagreement between operations.
type ConflictType string

const (
	ConflictConcurrentEdit  ConflictType = "CONCURRENT_EDIT"
	ConflictVersionMismatch ConflictType = "VERSION_MISMATCH"
	ConflictDeleteUpdate    ConflictType = "DELETE_UPDATE"
	ConflictStructureChange ConflictType = "STRUCTURE_CHANGE"
	ConflictPermissionChg   ConflictType = "PERMISSION_CHANGE"
	ConflictLockViolation   ConflictType = "LOCK_VIOLATION"
)

// ConflictSeverity ranks how disruptive a Conflict is.
type ConflictSeverity string

const (
	SeverityLow      ConflictSeverity = "LOW"
	SeverityMedium   ConflictSeverity = "MEDIUM"
	SeverityHigh     ConflictSeverity = "HIGH"
	SeverityCritical ConflictSeverity = "CRITICAL"
)

// ResolutionStrategy names a conflict resolution handler.
type ResolutionStrategy string

const (
	StrategyLastWriterWins  ResolutionStrategy = "LAST_WRITER_WINS"
	StrategyFirstWriterWins ResolutionStrategy = "FIRST_WRITER_WINS"
	StrategyMerge           ResolutionStrategy = "MERGE"
	StrategyManual          ResolutionStrategy = "MANUAL"
	StrategyReject          ResolutionStrategy = "REJECT"
	StrategyCustom          ResolutionStrategy = "CUSTOM"
)

// ConflictState is the lifecycle state of a Conflict.
type ConflictState string

const (
	ConflictDetected  ConflictState = "DETECTED"
	ConflictResolving ConflictState = "RESOLVING"
	ConflictResolved  ConflictState = "RESOLVED"
	ConflictFailed    ConflictState = "FAILED"
)

// ConflictingOperation is one side of a recorded Conflict.
type ConflictingOperation struct {
	ID        string
	UserID    string
	ClientID  string
	Operation map[string]interface{}
	Version   int64
	Timestamp time.Time
}

// Conflict records a disagreement between two or more operations.
type Conflict struct {
	ID                 string
	DocumentID         string
	Type               ConflictType
	Severity           ConflictSeverity
	State              ConflictState
	Operations         []ConflictingOperation
	DetectedAt         time.Time
	ResolvedAt         *time.Time
	ResolutionStrategy ResolutionStrategy
	ResolutionResult   map[string]interface{}
	ResolverID         string
	Metadata           map[string]interface{}
}

// AccessPolicy governs who may do what on a document.
type AccessPolicy struct {
	DocumentID    string
	OwnerID       string
	PublicAccess  Permission
	DefaultRole   Role
	BlockedUsers  map[string]struct{}
	AllowedDomains []string
	InheritFrom   *string // inert per spec.md §9 Open Questions; no resolution implemented
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ShareLinkType selects the permission bundle a share link grants.
type ShareLinkType string

const (
	ShareLinkView    ShareLinkType = "VIEW"
	ShareLinkComment ShareLinkType = "COMMENT"
	ShareLinkEdit    ShareLinkType = "EDIT"
	ShareLinkFull    ShareLinkType = "FULL"
)

// LinkPermissions is the fixed share-link-type -> permission-bits mapping.
var LinkPermissions = map[ShareLinkType]Permission{
	ShareLinkView:    PermissionRead,
	ShareLinkComment: PermissionRead | PermissionComment,
	ShareLinkEdit:    PermissionRead | PermissionComment | PermissionWrite,
	ShareLinkFull:    PermissionRead | PermissionComment | PermissionWrite | PermissionShare,
}

// ShareLink is a token-addressable grant of access to a document.
type ShareLink struct {
	ID             string
	DocumentID     string
	LinkType       ShareLinkType
	Token          string
	CreatedBy      string
	CreatedAt      time.Time
	ExpiresAt      *time.Time
	MaxUses        *int
	UseCount       int
	PasswordHash   string
	AllowedDomains []string
	Disabled       bool
}

// IsValid reports whether the link may still be used.
func (s *ShareLink) IsValid() bool {
	if s.Disabled {
		return false
	}
	if s.ExpiresAt != nil && time.Now().After(*s.ExpiresAt) {
		return false
	}
	if s.MaxUses != nil && s.UseCount >= *s.MaxUses {
		return false
	}
	return true
}

// InvitationStatus is the lifecycle state of an Invitation.
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "PENDING"
	InvitationAccepted InvitationStatus = "ACCEPTED"
	InvitationDeclined InvitationStatus = "DECLINED"
	InvitationExpired  InvitationStatus = "EXPIRED"
	InvitationRevoked  InvitationStatus = "REVOKED"
)

// Invitation is an email-addressed pending grant of access.
type Invitation struct {
	ID           string
	DocumentID   string
	InviterID    string
	InviteeEmail string
	InviteeID    *string
	Role         Role
	Status       InvitationStatus
	Message      string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	AcceptedAt   *time.Time
}

// CanAccept reports whether the invitation may still transition to ACCEPTED.
func (i *Invitation) CanAccept() bool {
	return i.Status == InvitationPending && time.Now().Before(i.ExpiresAt)
}

// PermissionGrant is a resolved (user, document) permission record.
type PermissionGrant struct {
	UserID      string
	DocumentID  string
	Permissions Permission
	GrantedBy   string
	GrantedAt   time.Time
}

// SnapshotType classifies how a Snapshot's content is stored.
type SnapshotType string

const (
	SnapshotFull       SnapshotType = "FULL"
	SnapshotDelta      SnapshotType = "DELTA"
	SnapshotAuto       SnapshotType = "AUTO"
	SnapshotManual     SnapshotType = "MANUAL"
	SnapshotCheckpoint SnapshotType = "CHECKPOINT"
)

// Snapshot is a versioned capture of a document's content.
type Snapshot struct {
	ID             string
	DocumentID     string
	Version        int64
	Type           SnapshotType
	Trigger        string
	Content        []byte
	Delta          []byte
	BaseSnapshotID *string
	CreatedAt      time.Time
	Size           int64
	Checksum       string
}

// StorageMetadata describes a stored document blob.
type StorageMetadata struct {
	DocumentID  string
	Version     int64
	ContentHash string
	Size        int64
	Compressed  bool
	Encrypted   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ContentType string
	Custom      map[string]interface{}
}
