package core

// AccountRevocation invalidates every credential an account obtained
// before a cut-off. Rows are pushed by the master and persisted so a
// revoked session stays dead across host restarts.
type AccountRevocation struct {
	AccountID       string `json:"account_id"`
	RevokedBeforeMS int64  `json:"revoked_before_ms"`
	UpdatedMS       int64  `json:"updated_ms"`
}

// Covers reports whether a credential issued at iatSeconds falls under
// this revocation.
func (r AccountRevocation) Covers(iatSeconds int64) bool {
	return iatSeconds*1000 <= r.RevokedBeforeMS
}
