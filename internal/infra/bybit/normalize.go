package bybit

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/domain"
)

// venue status -> canonical status
var statusMap = map[string]domain.OrderStatus{
	"Created":                 domain.StatusNew,
	"New":                     domain.StatusNew,
	"Untriggered":             domain.StatusNew,
	"Triggered":               domain.StatusNew,
	"PartiallyFilled":         domain.StatusPartiallyFilled,
	"Filled":                  domain.StatusFilled,
	"Cancelled":               domain.StatusCancelled,
	"PartiallyFilledCanceled": domain.StatusCancelled,
	"Deactivated":             domain.StatusCancelled,
	"Rejected":                domain.StatusRejected,
}

// normalizeOrder converts a push or poll payload into the canonical Order.
func normalizeOrder(w wireOrder) (domain.Order, error) {
	status, ok := statusMap[w.OrderStatus]
	if !ok {
		return domain.Order{}, fmt.Errorf("order %s: unknown status %q", w.OrderID, w.OrderStatus)
	}
	side := domain.Side(w.Side)
	if !side.Valid() {
		return domain.Order{}, fmt.Errorf("order %s: unknown side %q", w.OrderID, w.Side)
	}

	o := domain.Order{
		OrderID:       w.OrderID,
		ClientOrderID: w.OrderLinkID,
		Symbol:        w.Symbol,
		Side:          side,
		Status:        status,
		CreatedAt:     parseMillis(w.CreatedTime),
		UpdatedAt:     parseMillis(w.UpdatedTime),
	}
	var err error
	fields := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&o.Price, w.Price},
		{&o.Qty, w.Qty},
		{&o.FilledQty, w.CumExecQty},
		{&o.AvgFillPrice, w.AvgPrice},
		{&o.CumFee, w.CumExecFee},
	}
	for _, f := range fields {
		if *f.dst, err = parseDecimal(f.src); err != nil {
			return domain.Order{}, fmt.Errorf("order %s: %w", w.OrderID, err)
		}
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	return o, nil
}

func normalizePosition(w wirePosition) (domain.Position, error) {
	size, err := parseDecimal(w.Size)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position %s size: %w", w.Symbol, err)
	}
	if w.Side == string(domain.SideSell) {
		size = size.Neg()
	}
	entry := w.AvgPrice
	if entry == "" {
		entry = w.EntryPrice
	}
	p := domain.Position{Symbol: w.Symbol, Size: size}
	if p.AvgEntryPrice, err = parseDecimal(entry); err != nil {
		return domain.Position{}, fmt.Errorf("position %s entry: %w", w.Symbol, err)
	}
	if p.MarkPrice, err = parseDecimal(w.MarkPrice); err != nil {
		return domain.Position{}, fmt.Errorf("position %s mark: %w", w.Symbol, err)
	}
	if p.UnrealizedPnL, err = parseDecimal(w.UnrealisedPnl); err != nil {
		return domain.Position{}, fmt.Errorf("position %s upnl: %w", w.Symbol, err)
	}
	return p, nil
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// ackedOrder is the order as known right after the venue accepted it.
func ackedOrder(req domain.PlaceOrderRequest, ack orderAck, now time.Time) domain.Order {
	clientID := ack.OrderLinkID
	if clientID == "" {
		clientID = req.ClientOrderID
	}
	return domain.Order{
		OrderID:       ack.OrderID,
		ClientOrderID: clientID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Price:         req.Price,
		Qty:           req.Qty,
		Status:        domain.StatusNew,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func parseWallet(w wireWallet) (equity, available decimal.Decimal, err error) {
	if equity, err = parseDecimal(w.TotalEquity); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("wallet equity: %w", err)
	}
	if available, err = parseDecimal(w.TotalAvailableBalance); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("wallet available: %w", err)
	}
	return equity, available, nil
}
