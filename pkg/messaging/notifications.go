package messaging

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Notification types carried between nodes.
const (
	NotificationVote          = "item.vote"
	NotificationParcelVote    = "parcel.vote"
	NotificationResyncRequest = "resync.request"
	NotificationResyncAnswer  = "resync.answer"
)

// Parcel halves for parcel votes.
const (
	HalfPayment = "payment"
	HalfPayload = "payload"
)

// Notification is the point-to-point message of the consensus protocol.
// Deliveries are idempotent: the receiving tally deduplicates by
// (FromNode, ItemID), so duplicated or re-ordered notifications never
// change a vote count.
type Notification struct {
	ID       uuid.UUID `json:"id"`
	Type     string    `json:"type"`
	FromNode int       `json:"from_node"`
	ItemID   string    `json:"item_id"`

	// State is the sender's current opinion or record state, by name.
	State string `json:"state,omitempty"`

	// RequestResult asks the receiver to answer with its own opinion
	// once it has one (vote pull).
	RequestResult bool `json:"request_result,omitempty"`

	// ParcelID and Half are set on parcel votes so the receiver can
	// route the vote to the right half of its parcel processor.
	ParcelID string `json:"parcel_id,omitempty"`
	Half     string `json:"half,omitempty"`

	// HasEnvironment marks resync answers for items carrying
	// subscription environments that need re-driving.
	HasEnvironment bool `json:"has_environment,omitempty"`

	// Payload carries packed item bytes on answers to fetch requests.
	Payload []byte `json:"payload,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// NewVote builds an item vote notification.
func NewVote(fromNode int, itemID, state string, requestResult bool) Notification {
	return Notification{
		ID:            uuid.New(),
		Type:          NotificationVote,
		FromNode:      fromNode,
		ItemID:        itemID,
		State:         state,
		RequestResult: requestResult,
		Timestamp:     time.Now(),
	}
}

// NewParcelVote builds a vote for one half of a parcel.
func NewParcelVote(fromNode int, parcelID, itemID, half, state string, requestResult bool) Notification {
	n := NewVote(fromNode, itemID, state, requestResult)
	n.Type = NotificationParcelVote
	n.ParcelID = parcelID
	n.Half = half
	return n
}

// NewResyncRequest asks a peer for its committed state of an item.
func NewResyncRequest(fromNode int, itemID string) Notification {
	return Notification{
		ID:            uuid.New(),
		Type:          NotificationResyncRequest,
		FromNode:      fromNode,
		ItemID:        itemID,
		RequestResult: true,
		Timestamp:     time.Now(),
	}
}

// NewResyncAnswer replies to a resync request with the local state.
func NewResyncAnswer(fromNode int, itemID, state string, hasEnvironment bool) Notification {
	return Notification{
		ID:             uuid.New(),
		Type:           NotificationResyncAnswer,
		FromNode:       fromNode,
		ItemID:         itemID,
		State:          state,
		HasEnvironment: hasEnvironment,
		Timestamp:      time.Now(),
	}
}

// Subjects. Each node owns one notification subject, one item-fetch
// request subject and one ping subject.

// NotifySubject is the point-to-point notification subject of a node.
func NotifySubject(nodeNumber int) string {
	return fmt.Sprintf("notary.node.%d.notify", nodeNumber)
}

// ItemRequestSubject serves packed-item fetches (request-reply).
func ItemRequestSubject(nodeNumber int) string {
	return fmt.Sprintf("notary.node.%d.items", nodeNumber)
}

// PingSubject serves reachability probes (request-reply).
func PingSubject(nodeNumber int) string {
	return fmt.Sprintf("notary.node.%d.ping", nodeNumber)
}

// ItemRequest is the request body on ItemRequestSubject.
type ItemRequest struct {
	FromNode int    `json:"from_node"`
	ItemID   string `json:"item_id"`
}

// ItemAnswer is the reply body on ItemRequestSubject. Empty Packed means
// the peer has no copy.
type ItemAnswer struct {
	ItemID string `json:"item_id"`
	Packed []byte `json:"packed,omitempty"`
}
