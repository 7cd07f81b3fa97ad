package credential

import "errors"

// ErrNotFound signals a lookup against a missing credential (spec §7
// NotFound).
var ErrNotFound = errors.New("credential: not found")

// ErrValidation signals bad input — unknown category, missing
// required field (spec §7 Validation).
var ErrValidation = errors.New("credential: validation error")

// BlockReason enumerates why a checkout was blocked (spec §4.B step 1-3).
const (
	BlockDisabled = "disabled"
	BlockNoAccess = "no_access"
	BlockPolicy   = "policy"
)

// Blocked is the AccessDenied error returned by Checkout when a
// credential is disabled, has no grant/lease for the caller, or a
// permission rule denies (spec §7 AccessDenied).
type Blocked struct {
	Reason       string
	Detail       string
	MatchedRules []string
}

func (b *Blocked) Error() string {
	if b.Detail != "" {
		return "credential: blocked (" + b.Reason + "): " + b.Detail
	}
	return "credential: blocked (" + b.Reason + ")"
}
