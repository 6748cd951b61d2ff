package domain

// LifecycleState is the uniform soft-delete marker carried by every
// ledger entity. The only legal transition is active -> soft_deleted.
type LifecycleState string

const (
	LifecycleActive      LifecycleState = "active"
	LifecycleSoftDeleted LifecycleState = "soft_deleted"
)

func (s LifecycleState) Valid() bool {
	return s == LifecycleActive || s == LifecycleSoftDeleted
}

// CanTransition enforces the one-way lifecycle. There is no resurrection:
// restoring means creating a new artifact that references the old one.
func (s LifecycleState) CanTransition(to LifecycleState) bool {
	return s == LifecycleActive && to == LifecycleSoftDeleted
}
