package domain

// RecoveryResult is the outcome of an attempt to notify the RPC caller of a
// terminal processing failure.
type RecoveryResult int

const (
	// RecoveryReplyNotApplicable means the request carried no reply-to address.
	RecoveryReplyNotApplicable RecoveryResult = iota
	// RecoveryReplySent means the error reply was published to the caller.
	RecoveryReplySent
	// RecoveryReplyFailed means the reply was attempted and the broker refused it.
	RecoveryReplyFailed
)

func (r RecoveryResult) String() string {
	switch r {
	case RecoveryReplySent:
		return "reply_sent"
	case RecoveryReplyNotApplicable:
		return "reply_not_applicable"
	case RecoveryReplyFailed:
		return "reply_failed"
	default:
		return "unknown"
	}
}

// RecoveryAction names the single action taken for an exhausted message.
type RecoveryAction string

const (
	ActionReplied     RecoveryAction = "replied"
	ActionRepublished RecoveryAction = "republished"
	ActionArchived    RecoveryAction = "archived"
	ActionDropped     RecoveryAction = "dropped"
	ActionMalformed   RecoveryAction = "malformed_args"
)
