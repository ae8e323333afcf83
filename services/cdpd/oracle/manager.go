package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"stablemint/native/cdp"
)

var (
	ErrUnknownFeed  = errors.New("oracle manager: unknown feed")
	ErrInvalidPrice = errors.New("oracle manager: price must be positive")
)

// Manager is an operator-driven price source: each feed holds the last posted
// quote and serves it until the next post. Quotes carry 8 decimal places.
type Manager struct {
	mu     sync.RWMutex
	rounds map[common.Address]cdp.RoundData
	clock  func() time.Time
}

type Option func(*Manager)

// WithClock overrides the timestamp source, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		rounds: make(map[common.Address]cdp.RoundData),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetPrice posts a new quote for the feed and advances its round. Non-positive
// prices are rejected so a bad post can never zero out collateral valuations.
func (m *Manager) SetPrice(feed common.Address, price *big.Int) (cdp.RoundData, error) {
	if price == nil || price.Sign() <= 0 {
		return cdp.RoundData{}, ErrInvalidPrice
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	round := cdp.RoundData{
		RoundID:   m.rounds[feed].RoundID + 1,
		Price:     new(big.Int).Set(price),
		UpdatedAt: m.clock().UTC(),
	}
	m.rounds[feed] = round
	return round.Clone(), nil
}

// LatestRoundData returns the freshest quote for the feed.
func (m *Manager) LatestRoundData(feed common.Address) (cdp.RoundData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	round, ok := m.rounds[feed]
	if !ok {
		return cdp.RoundData{}, fmt.Errorf("%w: %s", ErrUnknownFeed, feed.Hex())
	}
	return round.Clone(), nil
}

// Feeds lists every feed that has received at least one quote.
func (m *Manager) Feeds() []common.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()
	feeds := make([]common.Address, 0, len(m.rounds))
	for feed := range m.rounds {
		feeds = append(feeds, feed)
	}
	return feeds
}
