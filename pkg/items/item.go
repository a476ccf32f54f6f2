package items

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ErrorRecord describes one reason a local check rejected an item.
type ErrorRecord struct {
	Code    string `json:"code"`
	Object  string `json:"object,omitempty"`
	Message string `json:"message"`
}

// Item is the unit of consensus: an opaque, hashable record the node can
// validate locally. Parsing and signature verification live behind this
// interface; the consensus core never looks inside the packed bytes.
type Item interface {
	// ID returns the content digest of the packed form.
	ID() HashID

	// Check runs the local validation: syntax, signatures, business
	// rules. A nil return is an accept opinion; any error (or panic) is
	// a decline. Check must be side-effect free.
	Check(ctx context.Context) error

	// Errors returns the reasons collected by the last Check.
	Errors() []ErrorRecord

	// RevokingIDs lists approved items this item supersedes on commit.
	RevokingIDs() []HashID

	// NewIDs lists items this item creates, which must be approvable
	// only together with it.
	NewIDs() []HashID

	// Expires is the policy expiry of the item's ledger record.
	Expires() time.Time

	// Pack returns the wire form. ID() must equal HashIDOf(Pack()).
	Pack() []byte
}

// NameClaimer is implemented by items that reserve unique identifiers.
// Claims are taken before voting starts and a conflict is a local
// decline.
type NameClaimer interface {
	Names() []string
	Origins() []HashID
	Addresses() []string
}

// Payment is implemented by fee items. Amount is the value the parcel
// spends; Origin identifies the funds chain so a payload cannot share it.
type Payment interface {
	Amount() decimal.Decimal
	Origin() HashID
}

// Decoder turns packed bytes fetched from a peer or a cache back into a
// checkable item. The concrete codec is supplied by the contract layer.
type Decoder func(packed []byte) (Item, error)
