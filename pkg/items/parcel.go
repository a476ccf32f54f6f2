package items

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Parcel couples a fee payment item with a payload item so that both
// settle in the same round: the payload may only be approved if the
// payment is, and an approved payment is always consumed.
type Parcel struct {
	payment Item
	payload Item

	packedPayment []byte
	packedPayload []byte

	id HashID
}

// NewParcel packs the pair and derives the parcel id from both blobs.
func NewParcel(payment, payload Item) (*Parcel, error) {
	if payment == nil || payload == nil {
		return nil, errors.New("parcel needs both payment and payload")
	}
	p := &Parcel{
		payment:       payment,
		payload:       payload,
		packedPayment: payment.Pack(),
		packedPayload: payload.Pack(),
	}
	p.id = HashIDOf(append(append([]byte{}, p.packedPayment...), p.packedPayload...))
	return p, nil
}

func (p *Parcel) ID() HashID    { return p.id }
func (p *Parcel) Payment() Item { return p.payment }
func (p *Parcel) Payload() Item { return p.payload }

// PackedPayment and PackedPayload expose the wire blobs for caching.
func (p *Parcel) PackedPayment() []byte { return p.packedPayment }
func (p *Parcel) PackedPayload() []byte { return p.packedPayload }

type packedParcel struct {
	Payment []byte `json:"payment"`
	Payload []byte `json:"payload"`
}

// Pack serializes the parcel for peer transfer and caching.
func (p *Parcel) Pack() []byte {
	data, err := json.Marshal(packedParcel{Payment: p.packedPayment, Payload: p.packedPayload})
	if err != nil {
		return nil
	}
	return data
}

// UnpackParcel reverses Pack, reconstituting both halves through decode.
// The derived parcel id is recomputed from the blobs, so a tampered
// parcel gets a different id.
func UnpackParcel(packed []byte, decode Decoder) (*Parcel, error) {
	var pp packedParcel
	if err := json.Unmarshal(packed, &pp); err != nil {
		return nil, fmt.Errorf("failed to unpack parcel: %w", err)
	}
	payment, err := decode(pp.Payment)
	if err != nil {
		return nil, fmt.Errorf("failed to decode parcel payment: %w", err)
	}
	payload, err := decode(pp.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode parcel payload: %w", err)
	}
	return NewParcel(payment, payload)
}

// PaymentAmount returns the declared fee value, or zero when the payment
// item does not implement Payment.
func (p *Parcel) PaymentAmount() decimal.Decimal {
	if pay, ok := p.payment.(Payment); ok {
		return pay.Amount()
	}
	return decimal.Zero
}
