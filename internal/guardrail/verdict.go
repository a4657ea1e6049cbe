// Package guardrail gates chat messages before they reach the agent runtime.
package guardrail

type ViolationKind string

const (
	KindNone                ViolationKind = "none"
	KindBulkDestructive     ViolationKind = "bulk_destructive"
	KindVagueDestructive    ViolationKind = "vague_destructive"
	KindInstructionOverride ViolationKind = "instruction_override"
	KindScopeViolation      ViolationKind = "scope_violation"
	KindVolumeAbuse         ViolationKind = "volume_abuse"

	// Stage 1 length rejection and the fail closed outcome
	KindTooLong    ViolationKind = "too_long"
	KindUnverified ViolationKind = "unverified"
)

func (k ViolationKind) valid() bool {
	switch k {
	case KindNone, KindBulkDestructive, KindVagueDestructive, KindInstructionOverride, KindScopeViolation, KindVolumeAbuse:
		return true
	}
	return false
}

const (
	StageLocal      = 1
	StageClassifier = 2
)

// Verdict is produced per inbound message and never persisted
type Verdict struct {
	Safe        bool          `json:"safe"`
	Kind        ViolationKind `json:"violation_kind"`
	Reason      string        `json:"reason"`
	UserMessage string        `json:"user_message,omitempty"`
	Stage       int           `json:"stage"`
}

// Message is what the caller should show the user on rejection
func (v Verdict) Message() string {
	if v.UserMessage != "" {
		return v.UserMessage
	}
	return v.Reason
}

const (
	msgTooLong      = "Input too long. Please keep your message under %d characters."
	msgOverride     = "I cannot process requests that attempt to modify my instructions."
	msgUnverified   = "Unable to verify request safety. Please try again."
	msgBulk         = "For safety, I can't delete or change many events at once. Please handle them one at a time."
	msgVague        = "Which event do you mean? Please tell me the title or time of the event you want to change."
	msgScope        = "I can only access your own calendar. Could you clarify what you need from your calendar?"
	msgVolume       = "You're sending a lot of bulk requests. Please slow down and try again later."
	msgGenericBlock = "I cannot fulfill that request due to safety protocols."
)
