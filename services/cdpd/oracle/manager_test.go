package oracle

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestSetPriceAdvancesRound(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	manager := NewManager(WithClock(func() time.Time { return now }))
	feed := common.Address{19: 0x11}

	first, err := manager.SetPrice(feed, big.NewInt(200000000000))
	if err != nil {
		t.Fatalf("set price: %v", err)
	}
	if first.RoundID != 1 {
		t.Fatalf("unexpected round id: %d", first.RoundID)
	}
	second, err := manager.SetPrice(feed, big.NewInt(180000000000))
	if err != nil {
		t.Fatalf("set price: %v", err)
	}
	if second.RoundID != 2 {
		t.Fatalf("round did not advance: %d", second.RoundID)
	}

	latest, err := manager.LatestRoundData(feed)
	if err != nil {
		t.Fatalf("latest round: %v", err)
	}
	if latest.Price.Cmp(big.NewInt(180000000000)) != 0 {
		t.Fatalf("unexpected price: %s", latest.Price)
	}
	if !latest.UpdatedAt.Equal(now.UTC()) {
		t.Fatalf("unexpected timestamp: %s", latest.UpdatedAt)
	}
}

func TestSetPriceRejectsNonPositive(t *testing.T) {
	manager := NewManager()
	feed := common.Address{19: 0x11}
	for _, price := range []*big.Int{nil, big.NewInt(0), big.NewInt(-5)} {
		if _, err := manager.SetPrice(feed, price); !errors.Is(err, ErrInvalidPrice) {
			t.Fatalf("price %v: expected rejection, got %v", price, err)
		}
	}
}

func TestLatestRoundDataUnknownFeed(t *testing.T) {
	manager := NewManager()
	if _, err := manager.LatestRoundData(common.Address{19: 0x42}); !errors.Is(err, ErrUnknownFeed) {
		t.Fatalf("expected unknown feed, got %v", err)
	}
}

func TestLatestRoundDataReturnsCopy(t *testing.T) {
	manager := NewManager()
	feed := common.Address{19: 0x11}
	if _, err := manager.SetPrice(feed, big.NewInt(100)); err != nil {
		t.Fatalf("set price: %v", err)
	}
	round, _ := manager.LatestRoundData(feed)
	round.Price.SetInt64(0)
	again, _ := manager.LatestRoundData(feed)
	if again.Price.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("stored quote mutated: %s", again.Price)
	}
}
