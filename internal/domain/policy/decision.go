package policy

// ReasonCode is a machine-readable denial reason, stable for clients.
type ReasonCode string

const (
	ReasonAllowed             ReasonCode = "ALLOWED"
	ReasonNSFWBlocked         ReasonCode = "NSFW_BLOCKED"
	ReasonBatchSizeRestricted ReasonCode = "BATCH_SIZE_RESTRICTED"
	ReasonQuotaExceeded       ReasonCode = "QUOTA_EXCEEDED"
	ReasonModelRestricted     ReasonCode = "MODEL_RESTRICTED"
)

// Decision is the outcome of a policy evaluation. Ephemeral, never persisted.
type Decision struct {
	Allowed     bool
	ReasonCode  ReasonCode
	Message     string
	UpgradeHint string // upgrade URL when a paid tier would lift the restriction
}

func allow() Decision {
	return Decision{Allowed: true, ReasonCode: ReasonAllowed}
}

func deny(code ReasonCode, message, upgradeHint string) Decision {
	return Decision{ReasonCode: code, Message: message, UpgradeHint: upgradeHint}
}
