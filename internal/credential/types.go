// Package credential implements the encrypted secret vault: per-agent
// grants, time- and use-bound leases, rule-compiled policy checks, and
// an audit trail (spec §3.3, §4.B).
package credential

// Categories a credential may carry (spec §3.3, non-exhaustive).
const (
	CategoryAIProvider     = "ai_provider"
	CategoryServiceAccount = "service_account"
	CategoryOAuthToken     = "oauth_token"
	CategorySSHKey         = "ssh_key"
	CategoryDBCredential   = "db_credential"
	CategoryAPIKey         = "api_key"
	CategoryChannelBot     = "channel_bot"
	CategoryCustom         = "custom"
)

// MaxUsageHistory bounds the ring buffer of usage records per
// credential (spec §3.3, §8 invariant 4).
const MaxUsageHistory = 50

// Envelope is a self-describing authenticated-encryption record (spec
// §3.3, §6.1).
type Envelope struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	Tag        string `json:"tag"`
	Algorithm  string `json:"algorithm"`
}

// AccessGrant is a non-expiring agent-scoped permission to check out a
// credential (spec §3.3).
type AccessGrant struct {
	AgentID   string `json:"agentId"`
	GrantedAt int64  `json:"grantedAt"`
}

// Lease is a time- and optionally use-bounded permission for a
// specific task/agent pair (spec §3.3).
type Lease struct {
	LeaseID       string `json:"leaseId"`
	TaskID        string `json:"taskId"`
	AgentID       string `json:"agentId"`
	CredentialID  string `json:"credentialId"`
	GrantedAt     int64  `json:"grantedAt"`
	ExpiresAt     int64  `json:"expiresAt"`
	MaxUses       *int   `json:"maxUses,omitempty"`
	UsesRemaining *int   `json:"usesRemaining,omitempty"`
	RevokedAt     int64  `json:"revokedAt,omitempty"`
}

// IsActive reports whether the lease may still be used to check out a
// credential at time now (spec §3.3, §8 invariant 5).
func (l Lease) IsActive(now int64) bool {
	if l.RevokedAt != 0 {
		return false
	}
	if l.ExpiresAt <= now {
		return false
	}
	if l.UsesRemaining != nil && *l.UsesRemaining <= 0 {
		return false
	}
	return true
}

// PermissionRule is a compiled predicate over a checkout context (spec
// §3.3, §4.B). The rule language itself is out of spec scope; what
// matters is that Compile is deterministic and Evaluate is
// side-effect-free. Text is kept for display/audit purposes.
type PermissionRule struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Enabled bool   `json:"enabled"`
}

// UsageRecord is one entry of a credential's bounded usage history.
type UsageRecord struct {
	Timestamp int64  `json:"timestamp"`
	AgentID   string `json:"agentId"`
	TaskID    string `json:"taskId,omitempty"`
	ToolName  string `json:"toolName,omitempty"`
	Action    string `json:"action,omitempty"`
	Outcome   string `json:"outcome"` // "success" or "blocked"
	Reason    string `json:"reason,omitempty"`
}

// Credential is the persisted vault entry (spec §3.3).
type Credential struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Category  string `json:"category"`
	Provider  string `json:"provider,omitempty"`
	SecretRef string `json:"secretRef"`
	Enabled   bool   `json:"enabled"`

	AccessGrants    []AccessGrant    `json:"accessGrants"`
	ActiveLeases    []Lease          `json:"activeLeases"`
	PermissionRules []PermissionRule `json:"permissionRules"`
	UsageHistory    []UsageRecord    `json:"usageHistory"`

	UsageCount     int    `json:"usageCount"`
	LastUsedAt     int64  `json:"lastUsedAt,omitempty"`
	LastUsedByAgent string `json:"lastUsedByAgent,omitempty"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// Document is the on-disk root structure for the credential store file
// (spec §6.1).
type Document struct {
	Version        int                  `json:"version"`
	MasterKeyCheck Envelope             `json:"masterKeyCheck"`
	Credentials    []Credential         `json:"credentials"`
	Secrets        map[string]Envelope  `json:"secrets"`
}

// CurrentVersion is the schema version this build writes and expects.
const CurrentVersion = 1
