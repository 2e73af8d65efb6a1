// Package mock provides a synthetic market data and order gateway so
// demo mode can run a full session without broker credentials.
package mock

import (
	"context"
	"crypto/rand"
	"fmt"
	"hash/fnv"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/jspahr/openrange/internal/models"
)

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1.
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		// Fallback to a reasonable default if crypto/rand fails
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// secureInt63n generates a cryptographically secure random int64 between 0 and n-1.
func secureInt63n(n int64) int64 {
	r, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return n / 2
	}
	return r.Int64()
}

type symbolState struct {
	open    float64
	current float64
	high    float64
	low     float64
	volume  int64
	drift   float64 // per-tick bias, positive symbols trend into breakouts
}

// Broker is a synthetic gateway. Roughly half the universe trends
// upward through its opening range so demo sessions produce signals.
type Broker struct {
	mu        sync.Mutex
	symbols   map[string]*symbolState
	balance   float64
	orderSeq  int
	placedIDs map[string]*models.Fill // clientID -> fill, for idempotent resubmission
}

// NewBroker creates a synthetic gateway with the given starting cash.
func NewBroker(startingBalance float64) *Broker {
	if startingBalance <= 0 {
		startingBalance = 100_000
	}
	return &Broker{
		symbols:   make(map[string]*symbolState),
		balance:   startingBalance,
		placedIDs: make(map[string]*models.Fill),
	}
}

func (m *Broker) state(symbol string) *symbolState {
	st, ok := m.symbols[symbol]
	if !ok {
		// Seed price and trend bias off the symbol name so runs are
		// comparable within a session.
		h := fnv.New32a()
		_, _ = h.Write([]byte(symbol))
		seed := h.Sum32()

		open := 20 + float64(seed%400) + secureFloat64()*5
		drift := -0.0001
		if seed%2 == 0 {
			drift = 0.0004 // trending symbol, breaks out of its range
		}
		st = &symbolState{
			open:    open,
			current: open,
			high:    open,
			low:     open,
			drift:   drift,
		}
		m.symbols[symbol] = st
	}
	return st
}

func (m *Broker) tick(st *symbolState) {
	st.current *= 1 + st.drift + (secureFloat64()-0.5)*0.002
	if st.current > st.high {
		st.high = st.current
	}
	if st.current < st.low {
		st.low = st.current
	}
	st.volume += 10_000 + secureInt63n(90_000)
}

// BatchQuotes returns a synthetic quote for every requested symbol.
func (m *Broker) BatchQuotes(_ context.Context, symbols []string) (map[string]models.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	out := make(map[string]models.Quote, len(symbols))
	for _, s := range symbols {
		st := m.state(s)
		m.tick(st)
		spread := st.current * 0.0002
		out[s] = models.Quote{
			Symbol:    s,
			Last:      st.current,
			Bid:       st.current - spread/2,
			Ask:       st.current + spread/2,
			Volume:    st.volume,
			High:      st.high,
			Low:       st.low,
			Open:      st.open,
			Timestamp: now,
			Source:    models.SourceFallback,
		}
	}
	return out, nil
}

// GetBar synthesizes an aggregate bar over [start, end) that is
// consistent with the symbol's random walk.
func (m *Broker) GetBar(_ context.Context, symbol string, start, end time.Time) (*models.Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(symbol)
	barOpen := st.current
	for i := 0; i < 15; i++ {
		m.tick(st)
	}
	bar := &models.Bar{
		Symbol: symbol,
		Open:   barOpen,
		Close:  st.current,
		High:   math.Max(barOpen, st.current) * (1 + secureFloat64()*0.001),
		Low:    math.Min(barOpen, st.current) * (1 - secureFloat64()*0.001),
		Volume: 100_000 + secureInt63n(1_000_000),
		Start:  start,
		End:    end,
	}
	return bar, nil
}

// GetIntradayBars synthesizes one-minute bars from the session open.
func (m *Broker) GetIntradayBars(_ context.Context, symbol string, sessionStart time.Time) ([]models.Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(symbol)
	minutes := int(time.Since(sessionStart).Minutes())
	if minutes < 1 {
		minutes = 1
	}
	if minutes > 390 {
		minutes = 390
	}

	price := st.open
	bars := make([]models.Bar, 0, minutes)
	for i := 0; i < minutes; i++ {
		open := price
		price *= 1 + st.drift + (secureFloat64()-0.5)*0.002
		bars = append(bars, models.Bar{
			Symbol: symbol,
			Open:   open,
			Close:  price,
			High:   math.Max(open, price) * (1 + secureFloat64()*0.0005),
			Low:    math.Min(open, price) * (1 - secureFloat64()*0.0005),
			Volume: 50_000 + secureInt63n(150_000),
			Start:  sessionStart.Add(time.Duration(i) * time.Minute),
			End:    sessionStart.Add(time.Duration(i+1) * time.Minute),
		})
	}
	return bars, nil
}

// GetADV returns a plausible 90-day average daily volume.
func (m *Broker) GetADV(_ context.Context, symbol string, _ int) (int64, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return 1_000_000 + int64(h.Sum32()%50_000_000), nil
}

// GetAccountBalance returns the synthetic cash balance.
func (m *Broker) GetAccountBalance(_ context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance, nil
}

// IsTradingDay treats every weekday as a trading day.
func (m *Broker) IsTradingDay(_ context.Context, date time.Time) (bool, error) {
	wd := date.Weekday()
	return wd != time.Saturday && wd != time.Sunday, nil
}

// PlaceOrder fills immediately at the current synthetic price. Replays
// of an already-seen clientID return the original fill.
func (m *Broker) PlaceOrder(_ context.Context, clientID, symbol string, side models.Side,
	quantity int, _ models.OrderType) (*models.Fill, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("order quantity must be > 0, got %d", quantity)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if fill, ok := m.placedIDs[clientID]; ok {
		return fill, nil
	}

	st := m.state(symbol)
	m.tick(st)
	m.orderSeq++

	fill := &models.Fill{
		OrderID:  fmt.Sprintf("mock-%d", m.orderSeq),
		ClientID: clientID,
		Symbol:   symbol,
		Side:     side,
		Quantity: quantity,
		AvgPrice: st.current,
		FilledAt: time.Now().UTC(),
	}
	m.placedIDs[clientID] = fill
	return fill, nil
}
