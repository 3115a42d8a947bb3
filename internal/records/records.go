// Package records generates synthetic market records and bulk-writes them
// to S3 or a Firehose delivery stream.
package records

import (
	"math/rand"
	"sync"
	"time"
)

// TimestampLayout is how record timestamps are rendered.
const TimestampLayout = "2006-01-02 15:04:05.000000"

// Timestamp range of generated records, in unix seconds.
const (
	MinTimestamp = 1650000000
	MaxTimestamp = 1700000000
)

var (
	symbols    = []string{"AAPL", "AMZN", "GOOG", "MSFT", "META"}
	parameters = []string{"open", "high", "low", "close", "volume"}
)

// Record is one generated data point.
type Record struct {
	Timestamp      string  `json:"timestamp"`
	SymbolKey      string  `json:"symbol_key"`
	ParameterKey   string  `json:"parameter_key"`
	ParameterValue float64 `json:"parameter_value"`
}

// Generator produces random records. It is safe for concurrent use.
type Generator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator creates a generator seeded with seed.
func NewGenerator(seed int64) *Generator {
	return &Generator{rng: rand.New(rand.NewSource(seed))}
}

// Generate returns count records.
func (g *Generator) Generate(count int) []Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Record, count)
	for i := range out {
		ts := MinTimestamp + g.rng.Int63n(MaxTimestamp-MinTimestamp+1)
		out[i] = Record{
			Timestamp:      time.Unix(ts, 0).UTC().Format(TimestampLayout),
			SymbolKey:      symbols[g.rng.Intn(len(symbols))],
			ParameterKey:   parameters[g.rng.Intn(len(parameters))],
			ParameterValue: 100 + g.rng.Float64()*900,
		}
	}
	return out
}
