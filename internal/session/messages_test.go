package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tmbot/internal/domain"
)

func TestParseMoney(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"12.34", 1234},
		{"1 234.56 <small>RUB</small>", 123456},
		{"0.005", 1},
		{"7", 700},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseMoney(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := parseMoney("<small>RUB</small>")
	assert.ErrorIs(t, err, domain.ErrMalformedMessage)
}

func TestDecodeEnvelopeUnwrapsStringData(t *testing.T) {
	kind, data, err := decodeEnvelope([]byte(`{"type":"itemstatus_go","data":"{\"id\":\"42\",\"status\":\"4\",\"bid\":\"9\"}"}`))
	require.NoError(t, err)
	assert.Equal(t, typeItemStatus, kind)

	ev, err := decodeItemStatus(data)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemEvent{
		MarketID: "42",
		Status:   domain.ItemNeedToTake,
		BotID:    "9",
		Left:     defaultLeft,
		Update:   true,
	}, ev)
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, _, err := decodeEnvelope([]byte(`not json`))
	assert.ErrorIs(t, err, domain.ErrMalformedMessage)

	_, _, err = decodeEnvelope([]byte(`{"data":"x"}`))
	assert.ErrorIs(t, err, domain.ErrMalformedMessage)
}

func TestDecodeItemAdd(t *testing.T) {
	_, data, err := decodeEnvelope([]byte(`{"type":"additem_go","data":"{\"ui_id\":\"123\",\"ui_status\":\"5\",\"ui_price\":\"12.5\",\"ui_bid\":\"7\",\"left\":\"3600\"}"}`))
	require.NoError(t, err)

	ev, err := decodeItemAdd(data)
	require.NoError(t, err)
	assert.Equal(t, "123", ev.MarketID)
	assert.Equal(t, domain.ItemDelivered, ev.Status)
	assert.EqualValues(t, 1250, ev.Price)
	assert.EqualValues(t, 3600, ev.Left)
	assert.False(t, ev.Update)
}

func TestDecodeNotificationDoubleEncoded(t *testing.T) {
	_, data, err := decodeEnvelope([]byte(`{"type":"webnotify","data":"\"{\\\"text\\\":\\\"hello\\\"}\""}`))
	require.NoError(t, err)

	n, err := decodeNotification(typeNotification, data)
	require.NoError(t, err)
	assert.Equal(t, "hello", n.Text)
	assert.False(t, routine(n))
	assert.True(t, routine(domain.Notification{Text: textSupportAnswer}))
}
