package bus

// Extension lifecycle topics.
const (
	TopicExtensionInstalled   = "extension.installed"
	TopicExtensionUpgraded    = "extension.upgraded"
	TopicExtensionUninstalled = "extension.uninstalled"
	TopicExtensionEnabled     = "extension.enabled"
	TopicExtensionDisabled    = "extension.disabled"
	TopicExtensionCreated     = "extension.created"
	TopicExtensionFailed      = "extension.failed"
)

// Restart scheduler topics.
const (
	TopicRestartScheduled = "restart.scheduled"
	TopicRestartExecuted  = "restart.executed"
)

// Lock topics.
const (
	TopicLockConflict = "lock.conflict"
	TopicLockSwept    = "lock.swept"
)

// Store topics.
const (
	TopicExtensionRecordChanged = "store.extension_changed"
)

// LifecycleEvent is the payload for extension.* topics.
type LifecycleEvent struct {
	OperationID string `json:"operation_id"`
	Identifier  string `json:"identifier"`
	Operation   string `json:"operation"`
	Version     string `json:"version,omitempty"`
	Error       string `json:"error,omitempty"`
}

// RestartEvent is the payload for restart.* topics.
type RestartEvent struct {
	Requests int    `json:"requests"`
	Waited   string `json:"waited,omitempty"`
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// LockConflictEvent is the payload for lock.conflict.
type LockConflictEvent struct {
	Identifier string `json:"identifier"`
	Requested  string `json:"requested"`
	HeldBy     string `json:"held_by"`
	HeldOp     string `json:"held_op"`
}

// RecordChangedEvent is published by the store when an extension row changes.
type RecordChangedEvent struct {
	Identifier string `json:"identifier"`
	Change     string `json:"change"`
}
