// Package event defines the messages streams hand to their consumers.
package event

import (
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/domain"
)

// Type defines the type of event.
type Type uint16

const (
	EvBook Type = iota + 1
	EvOrder
	EvPosition
	EvWallet
)

func (t Type) String() string {
	switch t {
	case EvBook:
		return "book"
	case EvOrder:
		return "order"
	case EvPosition:
		return "position"
	case EvWallet:
		return "wallet"
	default:
		return "unknown"
	}
}

// Event is the interface for all stream events.
type Event interface {
	GetSeq() uint64
	GetTs() time.Time
	GetType() Type
}

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	Seq uint64    `json:"seq"`
	Ts  time.Time `json:"ts"`
}

func (e BaseEvent) GetSeq() uint64   { return e.Seq }
func (e BaseEvent) GetTs() time.Time { return e.Ts }

// Sequencer stamps events with a per-producer monotonic sequence number.
type Sequencer struct {
	next atomic.Uint64
}

// Next returns a BaseEvent stamped with the next sequence number and ts.
func (s *Sequencer) Next(ts time.Time) BaseEvent {
	return BaseEvent{Seq: s.next.Add(1), Ts: ts}
}

// BookEvent is an order book snapshot or delta for one symbol.
type BookEvent struct {
	BaseEvent
	Symbol   string              `json:"symbol"`
	Snapshot bool                `json:"snapshot"`
	Bids     []domain.PriceLevel `json:"bids"`
	Asks     []domain.PriceLevel `json:"asks"`
	UpdateID int64               `json:"update_id"`
}

func (e *BookEvent) GetType() Type { return EvBook }

// Source tells which path observed an order.
type Source string

const (
	SourcePush Source = "push"
	SourcePoll Source = "poll"
	SourceAck  Source = "ack"
)

// OrderEvent carries one normalized order observation.
type OrderEvent struct {
	BaseEvent
	Order  domain.Order `json:"order"`
	Source Source       `json:"source"`
}

func (e *OrderEvent) GetType() Type { return EvOrder }

// PositionEvent carries the venue's view of a position.
type PositionEvent struct {
	BaseEvent
	Position domain.Position `json:"position"`
}

func (e *PositionEvent) GetType() Type { return EvPosition }

// WalletEvent carries account equity.
type WalletEvent struct {
	BaseEvent
	Equity    decimal.Decimal `json:"equity"`
	Available decimal.Decimal `json:"available"`
}

func (e *WalletEvent) GetType() Type { return EvWallet }
