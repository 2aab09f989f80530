// Package events records the ordered observability trail produced by the
// offering, dividend and registry components.
package events

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event names.
const (
	ModuleRegistered  = "ModuleRegistered"
	ModuleVerified    = "ModuleVerified"
	ModuleUsed        = "ModuleUsed"
	DividendDeposited = "DividendDeposited"
	DividendClaimed   = "DividendClaimed"
	DividendReclaimed = "DividendReclaimed"
	FundsReceived     = "FundsReceived"
	TokenPurchase     = "TokenPurchase"
	SetTiers          = "SetTiers"
	SetLimits         = "SetLimits"
	SetTimes          = "SetTimes"
	SetAddresses      = "SetAddresses"
	SetFundRaiseTypes = "SetFundRaiseTypes"
	SetAccredited     = "SetAccredited"
	SetPaused         = "SetPaused"
	ReserveTokenMint  = "ReserveTokenMint"
	Finalized         = "Finalized"
)

// Event is one emitted record.
type Event struct {
	Seq    uint64
	Source string
	Name   string
	At     time.Time
	Fields map[string]string
}

// Field returns a field value or "".
func (e Event) Field(key string) string {
	return e.Fields[key]
}

// Emitter accepts events.
type Emitter interface {
	Emit(source, name string, at time.Time, fields map[string]string)
}

// Log is an append-only, sequence-numbered event buffer.
type Log struct {
	mu     sync.Mutex
	seq    uint64
	events []Event
	logger zerolog.Logger
}

// NewLog constructs an empty log.
func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "events").Logger()}
}

// Emit implements Emitter.
func (l *Log) Emit(source, name string, at time.Time, fields map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	ev := Event{Seq: l.seq, Source: source, Name: name, At: at.UTC(), Fields: fields}
	l.events = append(l.events, ev)

	entry := l.logger.Debug().Uint64("seq", ev.Seq).Str("source", source).Str("event", name)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		entry = entry.Str(k, fields[k])
	}
	entry.Msg("event emitted")
}

// Events returns a copy of every event recorded so far.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// Named returns the events with the given name, in order.
func (l *Log) Named(name string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, 0)
	for _, ev := range l.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// Drain returns and clears buffered events. Sequence numbers keep increasing.
func (l *Log) Drain() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.events
	l.events = nil
	return out
}

// Discard is an Emitter that drops everything.
type Discard struct{}

// Emit implements Emitter.
func (Discard) Emit(string, string, time.Time, map[string]string) {}

var (
	_ Emitter = (*Log)(nil)
	_ Emitter = Discard{}
)
