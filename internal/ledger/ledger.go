// Package ledger is the durable, crash-consistent store of item state
// records and the subscription/callback bookkeeping kept for higher
// level services. The ledger is the single source of truth: state
// transitions for one item are totally ordered, and a transition not
// admitted by the item state graph is rejected as corruption.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/terminal-bench/notarium/pkg/items"
)

var (
	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("ledger: record not found")

	// ErrLocked is returned when a lock target is not in a lockable
	// state (revoke of a non-approved item, creation of an id that
	// already progressed past UNDEFINED).
	ErrLocked = errors.New("ledger: record cannot be locked")

	// ErrBackwardTransition marks a protocol invariant violation: a
	// save that would move a record against the state graph. Processing
	// of that item must halt; other items are unaffected.
	ErrBackwardTransition = errors.New("ledger: backward state transition")
)

// StateRecord is the persisted consensus state of one item.
type StateRecord struct {
	RecordID         int64
	ID               items.HashID
	State            items.State
	CreatedAt        time.Time
	ExpiresAt        time.Time
	LockedByRecordID int64
}

// Result converts the record to the externally visible form.
func (r *StateRecord) Result(haveCopy bool) items.Result {
	return items.Result{
		ItemID:    r.ID,
		State:     r.State,
		HaveCopy:  haveCopy,
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
	}
}

// Callback states tracked for follower subscriptions.
const (
	CallbackStarted   = "STARTED"
	CallbackCompleted = "COMPLETED"
	CallbackFailed    = "FAILED"
	CallbackExpired   = "EXPIRED"
)

// CallbackRecord is the bookkeeping row for one follower callback.
// Records left STARTED by a crash are surfaced via StartedCallbacks so
// the callback service can re-drive them after resync.
type CallbackRecord struct {
	ID            string
	EnvironmentID int64
	State         string
	ExpiresAt     time.Time
}

// Ledger is the storage contract consumed by the consensus core.
type Ledger interface {
	// FindOrCreate atomically returns the record for id, creating an
	// UNDEFINED one on first sight. The second return is true when the
	// record already existed.
	FindOrCreate(ctx context.Context, id items.HashID, expiresAt time.Time) (*StateRecord, bool, error)

	// Get returns the record for id or ErrNotFound.
	Get(ctx context.Context, id items.HashID) (*StateRecord, error)

	// Save persists the record. The stored state must be able to reach
	// the record's state through the transition graph, otherwise
	// ErrBackwardTransition is returned and nothing is written.
	Save(ctx context.Context, record *StateRecord) error

	// Destroy removes a record that never reached a countable state.
	Destroy(ctx context.Context, record *StateRecord) error

	// LockToRevoke atomically moves an APPROVED record for targetID to
	// LOCKED on behalf of byRecordID. ErrLocked when the target is not
	// approved or already locked by another record.
	LockToRevoke(ctx context.Context, targetID items.HashID, byRecordID int64) (*StateRecord, error)

	// LockForCreation atomically creates (or finds UNDEFINED) the
	// record for newID and moves it to LOCKED_FOR_CREATION on behalf of
	// byRecordID. ErrLocked when a racing item already claimed the id.
	LockForCreation(ctx context.Context, newID items.HashID, byRecordID int64, expiresAt time.Time) (*StateRecord, error)

	// RecordsLockedBy returns the records whose lock back-reference is
	// byRecordID. The dependency graph between items is derived purely
	// from these fields, so it survives restarts.
	RecordsLockedBy(ctx context.Context, byRecordID int64) ([]*StateRecord, error)

	// FindUnfinished returns records left in PENDING_*, LOCKED or
	// LOCKED_FOR_CREATION, the sanitation feed after a crash.
	FindUnfinished(ctx context.Context) ([]*StateRecord, error)

	// SavePayment accrues an approved parcel fee for the stats ledger.
	SavePayment(ctx context.Context, amount decimal.Decimal, at time.Time) error

	// Follower callback bookkeeping (pass-through for the callback
	// service, not interpreted by the consensus core).
	AddCallback(ctx context.Context, record CallbackRecord) error
	UpdateCallbackState(ctx context.Context, id, state string) error
	StartedCallbacks(ctx context.Context) ([]CallbackRecord, error)

	// Environment blobs keyed by environment id (pass-through).
	SaveEnvironment(ctx context.Context, environmentID int64, payload []byte) error
	GetEnvironment(ctx context.Context, environmentID int64) ([]byte, error)

	Close() error
}
