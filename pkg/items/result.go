package items

import "time"

// Result is the externally visible outcome snapshot for one item.
type Result struct {
	ItemID    HashID        `json:"item_id"`
	State     State         `json:"state"`
	HaveCopy  bool          `json:"have_copy"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	Errors    []ErrorRecord `json:"errors,omitempty"`
}

// UnknownResult is what CheckItem reports for an id the node has never
// seen: an UNDEFINED state with no copy of the item.
func UnknownResult(id HashID) Result {
	return Result{ItemID: id, State: StateUndefined}
}
