package items

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParcelPackRoundTrip(t *testing.T) {
	payment := NewTestPayment(decimal.NewFromInt(10))
	payload := NewTestItem(true)

	parcel, err := NewParcel(payment, payload)
	require.NoError(t, err)

	back, err := UnpackParcel(parcel.Pack(), DecodeTestItem)
	require.NoError(t, err)

	assert.Equal(t, parcel.ID(), back.ID())
	assert.Equal(t, payment.ID(), back.Payment().ID())
	assert.Equal(t, payload.ID(), back.Payload().ID())
	assert.True(t, back.PaymentAmount().Equal(decimal.NewFromInt(10)))
}

func TestParcelRequiresBothHalves(t *testing.T) {
	_, err := NewParcel(nil, NewTestItem(true))
	assert.Error(t, err)
	_, err = NewParcel(NewTestItem(true), nil)
	assert.Error(t, err)
}

func TestParcelIDBoundToContent(t *testing.T) {
	payment := NewTestPayment(decimal.NewFromInt(5))
	a, err := NewParcel(payment, NewTestItem(true))
	require.NoError(t, err)
	b, err := NewParcel(payment, NewTestItem(true))
	require.NoError(t, err)

	// distinct payloads give distinct parcel ids
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestUnpackParcelRejectsGarbage(t *testing.T) {
	_, err := UnpackParcel([]byte("not a parcel"), DecodeTestItem)
	assert.Error(t, err)
}

func TestPaymentAmountDefaultsToZero(t *testing.T) {
	parcel, err := NewParcel(NewTestItem(true), NewTestItem(true))
	require.NoError(t, err)
	assert.True(t, parcel.PaymentAmount().IsZero())
}
