package items

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TestItem is a minimal checkable item used by node and processor tests
// in place of the real contract layer. Every node that unpacks the same
// bytes reaches the same local opinion, which is exactly what the
// consensus core assumes of real items.
type TestItem struct {
	Nonce        string   `json:"nonce"`
	Good         bool     `json:"good"`
	Revoking     []string `json:"revoking,omitempty"`
	Creating     []string `json:"creating,omitempty"`
	ClaimNames   []string `json:"claim_names,omitempty"`
	ClaimOrigins []string `json:"claim_origins,omitempty"`
	ClaimAddrs   []string `json:"claim_addrs,omitempty"`
	Value        string   `json:"value,omitempty"`
	ValueOrigin  string   `json:"value_origin,omitempty"`
	TTLSeconds   int64    `json:"ttl_seconds,omitempty"`

	errs []ErrorRecord
}

// NewTestItem returns a fresh item with a unique nonce; good controls
// the local check verdict on every node.
func NewTestItem(good bool) *TestItem {
	return &TestItem{Nonce: uuid.NewString(), Good: good}
}

// NewTestPayment returns a good item carrying a spendable value.
func NewTestPayment(amount decimal.Decimal) *TestItem {
	it := NewTestItem(true)
	it.Value = amount.String()
	it.ValueOrigin = HashIDOf([]byte(it.Nonce)).String()
	return it
}

func (t *TestItem) ID() HashID { return HashIDOf(t.Pack()) }

func (t *TestItem) Pack() []byte {
	packed, err := json.Marshal(t)
	if err != nil {
		panic(err)
	}
	return packed
}

func (t *TestItem) Check(ctx context.Context) error {
	if !t.Good {
		t.errs = []ErrorRecord{{Code: "BAD_VALUE", Object: t.ID().Short(), Message: "intentionally bad test item"}}
		return errors.New("test item fails local check")
	}
	t.errs = nil
	return nil
}

func (t *TestItem) Errors() []ErrorRecord { return t.errs }

func (t *TestItem) RevokingIDs() []HashID { return parseIDList(t.Revoking) }
func (t *TestItem) NewIDs() []HashID      { return parseIDList(t.Creating) }

func (t *TestItem) Expires() time.Time {
	ttl := t.TTLSeconds
	if ttl <= 0 {
		ttl = 90 * 24 * 3600
	}
	return time.Now().Add(time.Duration(ttl) * time.Second)
}

// AddRevoking marks id as superseded by this item.
func (t *TestItem) AddRevoking(id HashID) { t.Revoking = append(t.Revoking, id.String()) }

// AddCreating marks id as an output created together with this item.
func (t *TestItem) AddCreating(id HashID) { t.Creating = append(t.Creating, id.String()) }

// NameClaimer

func (t *TestItem) Names() []string { return t.ClaimNames }
func (t *TestItem) Origins() []HashID {
	return parseIDList(t.ClaimOrigins)
}
func (t *TestItem) Addresses() []string { return t.ClaimAddrs }

// Payment

func (t *TestItem) Amount() decimal.Decimal {
	if t.Value == "" {
		return decimal.Zero
	}
	amount, err := decimal.NewFromString(t.Value)
	if err != nil {
		return decimal.Zero
	}
	return amount
}

func (t *TestItem) Origin() HashID {
	if t.ValueOrigin == "" {
		return t.ID()
	}
	id, err := ParseHashID(t.ValueOrigin)
	if err != nil {
		return t.ID()
	}
	return id
}

// DecodeTestItem is the Decoder for TestItem wire blobs.
func DecodeTestItem(packed []byte) (Item, error) {
	var it TestItem
	if err := json.Unmarshal(packed, &it); err != nil {
		return nil, err
	}
	return &it, nil
}

func parseIDList(encoded []string) []HashID {
	out := make([]HashID, 0, len(encoded))
	for _, s := range encoded {
		if id, err := ParseHashID(s); err == nil {
			out = append(out, id)
		}
	}
	return out
}
