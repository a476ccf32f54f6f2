package messaging

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVoteRoundTrip(t *testing.T) {
	vote := NewVote(3, "item-abc", "PENDING_POSITIVE", true)

	data, err := json.Marshal(vote)
	require.NoError(t, err)

	var back Notification
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, vote.ID, back.ID)
	assert.Equal(t, NotificationVote, back.Type)
	assert.Equal(t, 3, back.FromNode)
	assert.Equal(t, "PENDING_POSITIVE", back.State)
	assert.True(t, back.RequestResult)
}

func TestParcelVoteCarriesRouting(t *testing.T) {
	vote := NewParcelVote(2, "parcel-1", "item-1", HalfPayment, "PENDING_POSITIVE", true)
	assert.Equal(t, NotificationParcelVote, vote.Type)
	assert.Equal(t, "parcel-1", vote.ParcelID)
	assert.Equal(t, HalfPayment, vote.Half)
}

func TestResyncMessages(t *testing.T) {
	req := NewResyncRequest(1, "item-1")
	assert.Equal(t, NotificationResyncRequest, req.Type)
	assert.True(t, req.RequestResult)

	ans := NewResyncAnswer(2, "item-1", "APPROVED", true)
	assert.Equal(t, NotificationResyncAnswer, ans.Type)
	assert.Equal(t, "APPROVED", ans.State)
	assert.True(t, ans.HasEnvironment)
}

func TestSubjectsArePerNode(t *testing.T) {
	assert.Equal(t, "notary.node.4.notify", NotifySubject(4))
	assert.Equal(t, "notary.node.4.items", ItemRequestSubject(4))
	assert.Equal(t, "notary.node.4.ping", PingSubject(4))
	assert.NotEqual(t, NotifySubject(1), NotifySubject(2))
}
