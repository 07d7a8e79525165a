package manager

// SetBeforeLock installs a hook that runs just before an operation takes
// its locks.
func SetBeforeLock(m *Manager, fn func(op, id string)) { m.beforeLock = fn }
