package credential

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/orchestrator/internal/store"
)

// Broadcaster is the external collaborator notified of credential
// lifecycle events (spec §6.2, §6.5).
type Broadcaster interface {
	Emit(event string, payload interface{})
}

type nopBroadcaster struct{}

func (nopBroadcaster) Emit(string, interface{}) {}

// Service is the Credential Service (spec §4.B): encrypted secret
// vault with per-agent grants, time/use-bound leases, rule-compiled
// policy checks, and an audit trail.
type Service struct {
	doc         *store.Store[Document]
	audit       *store.AuditLog
	broadcaster Broadcaster
	masterKey   []byte
	nowFunc     func() int64
}

// Option configures a Service at construction time.
type Option func(*Service)

// WithBroadcaster attaches a Broadcaster the service emits events to.
func WithBroadcaster(b Broadcaster) Option {
	return func(s *Service) { s.broadcaster = b }
}

// WithNowFunc overrides the millisecond clock (for deterministic tests).
func WithNowFunc(f func() int64) Option {
	return func(s *Service) { s.nowFunc = f }
}

// New creates a Service backed by the JSON file at path. Init must be
// called before any other method.
func New(path string, opts ...Option) *Service {
	s := &Service{
		doc:         store.New[Document](path),
		broadcaster: nopBroadcaster{},
		nowFunc:     func() int64 { return time.Now().UnixMilli() },
	}
	s.audit = store.NewAuditLog(s.doc.Path())
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) now() int64 { return s.nowFunc() }

// Init validates masterKey against the store's masterKeyCheck record,
// generating that record on first use. Returns ErrInvalidMasterKey and
// aborts before any other read if the key does not match (spec §4.B).
func (s *Service) Init(masterKey []byte) error {
	doc := s.doc.Read()
	if doc.Version != CurrentVersion || doc.Secrets == nil {
		doc = Document{Version: CurrentVersion, Secrets: make(map[string]Envelope)}
	}

	if doc.MasterKeyCheck == (Envelope{}) {
		check, err := sealMasterKeyCheck(masterKey)
		if err != nil {
			return fmt.Errorf("sealing master key check: %w", err)
		}
		doc.MasterKeyCheck = check
		if err := s.doc.Write(doc); err != nil {
			return fmt.Errorf("persisting master key check: %w", err)
		}
		s.masterKey = masterKey
		return nil
	}

	if err := verifyMasterKey(masterKey, doc.MasterKeyCheck); err != nil {
		return err
	}
	s.masterKey = masterKey
	return nil
}

func (s *Service) readDoc() Document {
	doc := s.doc.Read()
	if doc.Secrets == nil {
		doc.Secrets = make(map[string]Envelope)
	}
	return doc
}

// CreateInput describes a new credential (spec §3.3).
type CreateInput struct {
	Name     string
	Category string
	Provider string
	Secret   []byte
}

var validCategories = map[string]bool{
	CategoryAIProvider: true, CategoryServiceAccount: true, CategoryOAuthToken: true,
	CategorySSHKey: true, CategoryDBCredential: true, CategoryAPIKey: true,
	CategoryChannelBot: true, CategoryCustom: true,
}

// Create encrypts input.Secret under the master key and persists a new
// credential. Returns ErrValidation for an unknown category.
func (s *Service) Create(input CreateInput) (*Credential, error) {
	if input.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if !validCategories[input.Category] {
		return nil, fmt.Errorf("%w: unknown category %q", ErrValidation, input.Category)
	}

	env, err := seal(s.masterKey, input.Secret)
	if err != nil {
		return nil, fmt.Errorf("encrypting secret: %w", err)
	}

	cred := Credential{
		ID:        uuid.NewString(),
		Name:      input.Name,
		Category:  input.Category,
		Provider:  input.Provider,
		SecretRef: uuid.NewString(),
		Enabled:   true,
		CreatedAt: s.now(),
		UpdatedAt: s.now(),
	}

	_, err = store.Update(s.doc, func(doc Document) (Document, struct{}, error) {
		if doc.Secrets == nil {
			doc.Secrets = make(map[string]Envelope)
		}
		doc.Secrets[cred.SecretRef] = env
		doc.Credentials = append(doc.Credentials, cred)
		return doc, struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}

	s.broadcaster.Emit("credential.created", redacted(cred))
	return &cred, nil
}

// redacted returns a copy safe to log/broadcast: it never carries
// decrypted secret material (spec §9 secret redaction), which is
// trivially true here since Credential never holds plaintext, but the
// helper exists so call sites never accidentally attach one later.
func redacted(c Credential) Credential { return c }

// Get returns a credential by id, or nil if not found.
func (s *Service) Get(id string) *Credential {
	doc := s.readDoc()
	for i := range doc.Credentials {
		if doc.Credentials[i].ID == id {
			c := doc.Credentials[i]
			return &c
		}
	}
	return nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Category string
	Enabled  *bool
}

// List returns credentials matching filter.
func (s *Service) List(filter ListFilter) []Credential {
	doc := s.readDoc()
	var out []Credential
	for _, c := range doc.Credentials {
		if filter.Category != "" && c.Category != filter.Category {
			continue
		}
		if filter.Enabled != nil && c.Enabled != *filter.Enabled {
			continue
		}
		out = append(out, c)
	}
	return out
}

// UpdatePatch is applied to a credential's non-secret fields.
type UpdatePatch struct {
	Name     *string
	Provider *string
}

// Update applies patch to a credential. Returns nil, nil if not found.
func (s *Service) Update(id string, patch UpdatePatch) (*Credential, error) {
	var updated *Credential
	_, err := store.Update(s.doc, func(doc Document) (Document, struct{}, error) {
		idx := indexOfCredential(doc.Credentials, id)
		if idx < 0 {
			return doc, struct{}{}, nil
		}
		c := doc.Credentials[idx]
		if patch.Name != nil {
			c.Name = *patch.Name
		}
		if patch.Provider != nil {
			c.Provider = *patch.Provider
		}
		c.UpdatedAt = s.now()
		doc.Credentials[idx] = c
		updated = &c
		return doc, struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}
	if updated != nil {
		s.broadcaster.Emit("credential.updated", *updated)
	}
	return updated, nil
}

// Delete removes a credential and its secret envelope. Returns false
// if not found.
func (s *Service) Delete(id string) (bool, error) {
	var deleted bool
	_, err := store.Update(s.doc, func(doc Document) (Document, struct{}, error) {
		idx := indexOfCredential(doc.Credentials, id)
		if idx < 0 {
			return doc, struct{}{}, nil
		}
		ref := doc.Credentials[idx].SecretRef
		doc.Credentials = append(doc.Credentials[:idx], doc.Credentials[idx+1:]...)
		delete(doc.Secrets, ref)
		deleted = true
		return doc, struct{}{}, nil
	})
	if err != nil {
		return false, err
	}
	if deleted {
		s.broadcaster.Emit("credential.deleted", id)
	}
	return deleted, nil
}

// RotateSecret re-encrypts a credential under a new plaintext secret.
func (s *Service) RotateSecret(id string, newSecret []byte) error {
	env, err := seal(s.masterKey, newSecret)
	if err != nil {
		return fmt.Errorf("encrypting rotated secret: %w", err)
	}

	var found bool
	_, err = store.Update(s.doc, func(doc Document) (Document, struct{}, error) {
		idx := indexOfCredential(doc.Credentials, id)
		if idx < 0 {
			return doc, struct{}{}, nil
		}
		found = true
		c := doc.Credentials[idx]
		if doc.Secrets == nil {
			doc.Secrets = make(map[string]Envelope)
		}
		doc.Secrets[c.SecretRef] = env
		c.UpdatedAt = s.now()
		doc.Credentials[idx] = c
		return doc, struct{}{}, nil
	})
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	_ = s.audit.Append(map[string]interface{}{
		"timestamp": s.now(), "op": "rotateSecret", "credentialId": id,
	})
	return nil
}

// SetEnabled enables or disables a credential.
func (s *Service) SetEnabled(id string, enabled bool) (*Credential, error) {
	var updated *Credential
	_, err := store.Update(s.doc, func(doc Document) (Document, struct{}, error) {
		idx := indexOfCredential(doc.Credentials, id)
		if idx < 0 {
			return doc, struct{}{}, nil
		}
		doc.Credentials[idx].Enabled = enabled
		doc.Credentials[idx].UpdatedAt = s.now()
		c := doc.Credentials[idx]
		updated = &c
		return doc, struct{}{}, nil
	})
	return updated, err
}

// GrantAccess adds a non-expiring agent-scoped grant. Idempotent: a
// duplicate grant for the same agent is not added twice.
func (s *Service) GrantAccess(credID, agentID string) (*Credential, error) {
	var updated *Credential
	_, err := store.Update(s.doc, func(doc Document) (Document, struct{}, error) {
		idx := indexOfCredential(doc.Credentials, credID)
		if idx < 0 {
			return doc, struct{}{}, nil
		}
		c := doc.Credentials[idx]
		for _, g := range c.AccessGrants {
			if g.AgentID == agentID {
				updated = &c
				return doc, struct{}{}, nil
			}
		}
		c.AccessGrants = append(c.AccessGrants, AccessGrant{AgentID: agentID, GrantedAt: s.now()})
		doc.Credentials[idx] = c
		updated = &c
		return doc, struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}
	if updated != nil {
		s.broadcaster.Emit("credential.grant.added", map[string]string{"credentialId": credID, "agentId": agentID})
	}
	return updated, nil
}

// RevokeAccess removes an agent's access grant. Returns false if none
// existed.
func (s *Service) RevokeAccess(credID, agentID string) (bool, error) {
	var revoked bool
	_, err := store.Update(s.doc, func(doc Document) (Document, struct{}, error) {
		idx := indexOfCredential(doc.Credentials, credID)
		if idx < 0 {
			return doc, struct{}{}, nil
		}
		c := doc.Credentials[idx]
		out := c.AccessGrants[:0]
		for _, g := range c.AccessGrants {
			if g.AgentID == agentID {
				revoked = true
				continue
			}
			out = append(out, g)
		}
		c.AccessGrants = out
		doc.Credentials[idx] = c
		return doc, struct{}{}, nil
	})
	if err != nil {
		return false, err
	}
	if revoked {
		s.broadcaster.Emit("credential.grant.revoked", map[string]string{"credentialId": credID, "agentId": agentID})
	}
	return revoked, nil
}

// CreateLeaseInput describes a requested lease (spec §3.3).
type CreateLeaseInput struct {
	CredentialID string
	TaskID       string
	AgentID      string
	TTL          time.Duration
	MaxUses      *int
}

// CreateLease grants a task/agent pair a time- and optionally
// use-bound permission to check out a credential.
func (s *Service) CreateLease(input CreateLeaseInput) (*Lease, error) {
	lease := Lease{
		LeaseID:      uuid.NewString(),
		TaskID:       input.TaskID,
		AgentID:      input.AgentID,
		CredentialID: input.CredentialID,
		GrantedAt:    s.now(),
		ExpiresAt:    s.now() + input.TTL.Milliseconds(),
		MaxUses:      input.MaxUses,
	}
	if input.MaxUses != nil {
		uses := *input.MaxUses
		lease.UsesRemaining = &uses
	}

	var found bool
	_, err := store.Update(s.doc, func(doc Document) (Document, struct{}, error) {
		idx := indexOfCredential(doc.Credentials, input.CredentialID)
		if idx < 0 {
			return doc, struct{}{}, nil
		}
		found = true
		doc.Credentials[idx].ActiveLeases = append(doc.Credentials[idx].ActiveLeases, lease)
		return doc, struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	s.broadcaster.Emit("credential.lease.created", lease)
	return &lease, nil
}

// RevokeLease revokes a lease by id. Returns true the first time, false
// on subsequent calls (already revoked) or if not found (spec §8
// idempotence: "revokeLease(L) twice returns true then false").
func (s *Service) RevokeLease(leaseID string) (bool, error) {
	var revoked bool
	_, err := store.Update(s.doc, func(doc Document) (Document, struct{}, error) {
		for ci := range doc.Credentials {
			for li := range doc.Credentials[ci].ActiveLeases {
				l := &doc.Credentials[ci].ActiveLeases[li]
				if l.LeaseID != leaseID {
					continue
				}
				if l.RevokedAt != 0 {
					return doc, struct{}{}, nil
				}
				l.RevokedAt = s.now()
				revoked = true
				return doc, struct{}{}, nil
			}
		}
		return doc, struct{}{}, nil
	})
	return revoked, err
}

// RevokeTaskLeases revokes every active lease for a task, returning the
// count revoked.
func (s *Service) RevokeTaskLeases(taskID string) (int, error) {
	count, err := store.Update(s.doc, func(doc Document) (Document, int, error) {
		n := 0
		for ci := range doc.Credentials {
			for li := range doc.Credentials[ci].ActiveLeases {
				l := &doc.Credentials[ci].ActiveLeases[li]
				if l.TaskID == taskID && l.RevokedAt == 0 {
					l.RevokedAt = s.now()
					n++
				}
			}
		}
		return doc, n, nil
	})
	return count, err
}

// ExpireLeases scans every credential and marks any lapsed lease
// revoked (spec §4.B "lease expiry loop"). Returns the number expired.
func (s *Service) ExpireLeases() (int, error) {
	now := s.now()
	count, err := store.Update(s.doc, func(doc Document) (Document, int, error) {
		n := 0
		for ci := range doc.Credentials {
			for li := range doc.Credentials[ci].ActiveLeases {
				l := &doc.Credentials[ci].ActiveLeases[li]
				if l.RevokedAt == 0 && l.ExpiresAt <= now {
					l.RevokedAt = now
					n++
				}
			}
		}
		return doc, n, nil
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.broadcaster.Emit("credential.lease.expired", count)
	}
	return count, nil
}

// AddRule appends a permission rule.
func (s *Service) AddRule(credID string, rule PermissionRule) (*Credential, error) {
	var updated *Credential
	_, err := store.Update(s.doc, func(doc Document) (Document, struct{}, error) {
		idx := indexOfCredential(doc.Credentials, credID)
		if idx < 0 {
			return doc, struct{}{}, nil
		}
		if rule.ID == "" {
			rule.ID = uuid.NewString()
		}
		doc.Credentials[idx].PermissionRules = append(doc.Credentials[idx].PermissionRules, rule)
		c := doc.Credentials[idx]
		updated = &c
		return doc, struct{}{}, nil
	})
	return updated, err
}

// RemoveRule removes a permission rule by id.
func (s *Service) RemoveRule(credID, ruleID string) (bool, error) {
	var removed bool
	_, err := store.Update(s.doc, func(doc Document) (Document, struct{}, error) {
		idx := indexOfCredential(doc.Credentials, credID)
		if idx < 0 {
			return doc, struct{}{}, nil
		}
		rules := doc.Credentials[idx].PermissionRules
		out := rules[:0]
		for _, r := range rules {
			if r.ID == ruleID {
				removed = true
				continue
			}
			out = append(out, r)
		}
		doc.Credentials[idx].PermissionRules = out
		return doc, struct{}{}, nil
	})
	return removed, err
}

// UpdateRule replaces an existing rule's text/enabled flag.
func (s *Service) UpdateRule(credID, ruleID string, text string, enabled bool) (*PermissionRule, error) {
	var updated *PermissionRule
	_, err := store.Update(s.doc, func(doc Document) (Document, struct{}, error) {
		idx := indexOfCredential(doc.Credentials, credID)
		if idx < 0 {
			return doc, struct{}{}, nil
		}
		rules := doc.Credentials[idx].PermissionRules
		for ri := range rules {
			if rules[ri].ID == ruleID {
				rules[ri].Text = text
				rules[ri].Enabled = enabled
				r := rules[ri]
				updated = &r
				doc.Credentials[idx].PermissionRules = rules
				return doc, struct{}{}, nil
			}
		}
		return doc, struct{}{}, nil
	})
	return updated, err
}

// CheckoutInput describes a checkout attempt (spec §4.B).
type CheckoutInput struct {
	CredentialID string
	AgentID      string
	TaskID       string
	ToolName     string
	Action       string
}

// CheckoutResult is what a successful checkout returns (spec §4.B).
type CheckoutResult struct {
	CredentialID string
	Secret       []byte
	ExpiresAt    int64
}

// Checkout evaluates access, rules, and decrypts the secret under the
// master key (spec §4.B). Never decrypts when access is denied (spec
// §8 invariant 6).
func (s *Service) Checkout(input CheckoutInput) (*CheckoutResult, error) {
	now := s.now()
	var blocked *Blocked

	result, err := store.Update(s.doc, func(doc Document) (Document, *CheckoutResult, error) {
		idx := indexOfCredential(doc.Credentials, input.CredentialID)
		if idx < 0 {
			return doc, nil, ErrNotFound
		}
		c := doc.Credentials[idx]

		if !c.Enabled {
			doc = s.appendUsageLocked(doc, idx, UsageRecord{
				Timestamp: now, AgentID: input.AgentID, TaskID: input.TaskID,
				ToolName: input.ToolName, Action: input.Action,
				Outcome: "blocked", Reason: BlockDisabled,
			})
			_ = s.audit.Append(auditEntry(now, "checkout", input, "blocked", BlockDisabled))
			s.broadcaster.Emit("credential.checkout.blocked", input)
			blocked = &Blocked{Reason: BlockDisabled}
			return doc, nil, nil
		}

		if !hasAccess(c, input.AgentID, input.TaskID, now) {
			doc = s.appendUsageLocked(doc, idx, UsageRecord{
				Timestamp: now, AgentID: input.AgentID, TaskID: input.TaskID,
				ToolName: input.ToolName, Action: input.Action,
				Outcome: "blocked", Reason: BlockNoAccess,
			})
			_ = s.audit.Append(auditEntry(now, "checkout", input, "blocked", BlockNoAccess))
			s.broadcaster.Emit("credential.checkout.blocked", input)
			blocked = &Blocked{Reason: BlockNoAccess}
			return doc, nil, nil
		}

		eval := EvaluateRules(c.PermissionRules, RuleContext{
			ToolName: input.ToolName, Action: input.Action,
			AgentID: input.AgentID, TaskID: input.TaskID, Now: now,
		})
		if !eval.Allowed {
			doc = s.appendUsageLocked(doc, idx, UsageRecord{
				Timestamp: now, AgentID: input.AgentID, TaskID: input.TaskID,
				ToolName: input.ToolName, Action: input.Action,
				Outcome: "blocked", Reason: eval.Reason,
			})
			_ = s.audit.Append(auditEntry(now, "checkout", input, "blocked", eval.Reason))
			s.broadcaster.Emit("credential.checkout.blocked", input)
			blocked = &Blocked{Reason: BlockPolicy, Detail: eval.Reason, MatchedRules: eval.MatchedRules}
			return doc, nil, nil
		}

		env, ok := doc.Secrets[c.SecretRef]
		if !ok {
			return doc, nil, fmt.Errorf("%w: missing secret envelope", ErrCryptoError)
		}
		secret, err := open(s.masterKey, env)
		if err != nil {
			return doc, nil, err
		}

		var expiresAt int64
		for li := range c.ActiveLeases {
			l := &c.ActiveLeases[li]
			if l.AgentID != input.AgentID {
				continue
			}
			if input.TaskID != "" && l.TaskID != input.TaskID {
				continue
			}
			if !l.IsActive(now) {
				continue
			}
			if l.UsesRemaining != nil {
				remaining := *l.UsesRemaining - 1
				l.UsesRemaining = &remaining
			}
			expiresAt = l.ExpiresAt
			break
		}

		c.UsageCount++
		c.LastUsedAt = now
		c.LastUsedByAgent = input.AgentID
		doc.Credentials[idx] = c
		doc = s.appendUsageLocked(doc, idx, UsageRecord{
			Timestamp: now, AgentID: input.AgentID, TaskID: input.TaskID,
			ToolName: input.ToolName, Action: input.Action, Outcome: "success",
		})

		_ = s.audit.Append(auditEntry(now, "checkout", input, "success", ""))
		s.broadcaster.Emit("credential.checkout", map[string]string{
			"credentialId": input.CredentialID, "agentId": input.AgentID,
		})

		return doc, &CheckoutResult{CredentialID: input.CredentialID, Secret: secret, ExpiresAt: expiresAt}, nil
	})
	if err != nil {
		return nil, err
	}
	if blocked != nil {
		return nil, blocked
	}
	return result, nil
}

// hasAccess implements spec §4.B step 2: a grant for the agent, or an
// active lease matching agent (and task, if supplied).
func hasAccess(c Credential, agentID, taskID string, now int64) bool {
	for _, g := range c.AccessGrants {
		if g.AgentID == agentID {
			return true
		}
	}
	for _, l := range c.ActiveLeases {
		if l.AgentID != agentID {
			continue
		}
		if taskID != "" && l.TaskID != taskID {
			continue
		}
		if l.IsActive(now) {
			return true
		}
	}
	return false
}

// appendUsageLocked appends a usage record to a credential's ring
// buffer, trimming to MaxUsageHistory (spec §3.3, §8 invariant 4).
// Must be called from inside a store.Update callback.
func (s *Service) appendUsageLocked(doc Document, idx int, rec UsageRecord) Document {
	c := doc.Credentials[idx]
	c.UsageHistory = append(c.UsageHistory, rec)
	if len(c.UsageHistory) > MaxUsageHistory {
		c.UsageHistory = c.UsageHistory[len(c.UsageHistory)-MaxUsageHistory:]
	}
	doc.Credentials[idx] = c
	return doc
}

// GetUsageHistory returns a credential's bounded usage ring, or nil if
// the credential does not exist.
func (s *Service) GetUsageHistory(credID string) []UsageRecord {
	c := s.Get(credID)
	if c == nil {
		return nil
	}
	return c.UsageHistory
}

func indexOfCredential(creds []Credential, id string) int {
	for i := range creds {
		if creds[i].ID == id {
			return i
		}
	}
	return -1
}

// auditEntry never includes decrypted secret material — only the
// checkout's identifying fields and outcome (spec §9 secret redaction).
func auditEntry(now int64, op string, input CheckoutInput, outcome, reason string) map[string]interface{} {
	return map[string]interface{}{
		"timestamp":    now,
		"op":           op,
		"credentialId": input.CredentialID,
		"agentId":      input.AgentID,
		"taskId":       input.TaskID,
		"toolName":     input.ToolName,
		"outcome":      outcome,
		"reason":       reason,
	}
}
