package state

import "context"

// Adapter tracks room and namespace membership cluster-wide. All operations
// are idempotent and safe for concurrent use. Implementations must treat a
// duplicate AddMember or an absent RemoveMember as a no-op, not an error.
type Adapter interface {
	// AddMember records that a connection joined a room.
	AddMember(ctx context.Context, namespace, room, connID string) error

	// RemoveMember removes a connection from a room.
	RemoveMember(ctx context.Context, namespace, room, connID string) error

	// ListMembers returns a finite snapshot of connection ids in a room.
	ListMembers(ctx context.Context, namespace, room string) ([]string, error)

	// CountMembers returns the cluster-wide member count of a room.
	CountMembers(ctx context.Context, namespace, room string) (int64, error)

	// CountInNamespace returns the number of distinct connections joined to
	// at least one room in the namespace.
	CountInNamespace(ctx context.Context, namespace string) (int64, error)

	// Clear removes all membership state. Test harness use only.
	Clear(ctx context.Context) error
}
