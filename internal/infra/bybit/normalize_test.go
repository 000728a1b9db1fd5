package bybit

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/domain"
)

const pushOrderJSON = `{
	"orderId":"1321003749386327552","orderLinkId":"mm-1","symbol":"BTCUSDT","side":"Buy",
	"price":"30000.5","qty":"0.010","cumExecQty":"0.004","cumExecFee":"0.012",
	"avgPrice":"30000.5","orderStatus":"PartiallyFilled",
	"createdTime":"1700000000000","updatedTime":"1700000001000",
	"timeInForce":"GTC","orderType":"Limit"
}`

func TestNormalizeOrder_PushAndPollAgree(t *testing.T) {
	var push wireOrder
	require.NoError(t, json.Unmarshal([]byte(pushOrderJSON), &push))

	var poll orderListResult
	require.NoError(t, json.Unmarshal([]byte(`{"list":[`+pushOrderJSON+`]}`), &poll))

	a, err := normalizeOrder(push)
	require.NoError(t, err)
	b, err := normalizeOrder(poll.List[0])
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, domain.StatusPartiallyFilled, a.Status)
	assert.Equal(t, domain.SideBuy, a.Side)
	assert.Equal(t, "0.004", a.FilledQty.String())
	assert.Equal(t, "0.012", a.CumFee.String())
	assert.Equal(t, "mm-1", a.ClientOrderID)
	assert.Equal(t, int64(1700000001000), a.UpdatedAt.UnixMilli())
}

func TestNormalizeOrder_StatusMapping(t *testing.T) {
	tests := []struct {
		venue string
		want  domain.OrderStatus
	}{
		{"New", domain.StatusNew},
		{"Untriggered", domain.StatusNew},
		{"Filled", domain.StatusFilled},
		{"PartiallyFilledCanceled", domain.StatusCancelled},
		{"Deactivated", domain.StatusCancelled},
		{"Rejected", domain.StatusRejected},
	}
	for _, tt := range tests {
		t.Run(tt.venue, func(t *testing.T) {
			o, err := normalizeOrder(wireOrder{OrderID: "1", Side: "Sell", OrderStatus: tt.venue})
			require.NoError(t, err)
			assert.Equal(t, tt.want, o.Status)
		})
	}

	_, err := normalizeOrder(wireOrder{OrderID: "1", Side: "Sell", OrderStatus: "Weird"})
	assert.Error(t, err)
	_, err = normalizeOrder(wireOrder{OrderID: "1", Side: "Up", OrderStatus: "New"})
	assert.Error(t, err)
	_, err = normalizeOrder(wireOrder{OrderID: "1", Side: "Buy", OrderStatus: "New", Qty: "abc"})
	assert.Error(t, err)
}

func TestNormalizePosition(t *testing.T) {
	p, err := normalizePosition(wirePosition{Symbol: "BTCUSDT", Side: "Sell", Size: "0.5", EntryPrice: "30000", MarkPrice: "29900", UnrealisedPnl: "50"})
	require.NoError(t, err)
	assert.Equal(t, "-0.5", p.Size.String())
	assert.Equal(t, "30000", p.AvgEntryPrice.String())
	assert.True(t, p.IsShort())
}
