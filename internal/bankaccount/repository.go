package bankaccount

import "github.com/ledgerforge/eventledger/pkg/store"

// NewRepository builds a store.Repository[*Account], wiring the
// snapshot fast path in when snapshots is non-nil.
func NewRepository(events store.EventStore, snapshots store.SnapshotStore, opts ...store.RepositoryOption[*Account]) store.Repository[*Account] {
	return store.NewRepository[*Account](events, snapshots, AggregateType, Factory, opts...)
}
