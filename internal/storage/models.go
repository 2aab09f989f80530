package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// PriceSample is one oracle observation for a currency pair in a scheduler bucket.
type PriceSample struct {
	Bucket       time.Time
	Base         string
	Quote        string
	Price        decimal.Decimal
	DeviationPct decimal.Decimal
	Source       string
	Raw          json.RawMessage
	BlockNumber  *int64
	Status       string
	Error        *string
	CreatedAt    time.Time
}

// AlertRecord captures an emitted price alert for de-duplication/auditing.
type AlertRecord struct {
	ID           int64
	SampleTS     time.Time
	Base         string
	Quote        string
	DeviationPct decimal.Decimal
	ThresholdPct decimal.Decimal
	Direction    string
	Channels     []string
	CreatedAt    time.Time
}

// EventRecord is a persisted engine event from a scenario run.
type EventRecord struct {
	RunID     string
	Seq       int64
	Source    string
	Name      string
	At        time.Time
	Fields    map[string]string
	CreatedAt time.Time
}
