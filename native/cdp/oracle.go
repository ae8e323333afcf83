package cdp

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RoundData is the latest quote reported by a price feed. Price is a signed
// fixed-point integer with OracleDecimals decimal places. The engine reads
// only Price; RoundID and UpdatedAt travel along for observability and are
// deliberately not validated for staleness here.
type RoundData struct {
	RoundID   uint64
	Price     *big.Int
	UpdatedAt time.Time
}

// Clone returns a deep copy of the round to prevent accidental mutations.
func (r RoundData) Clone() RoundData {
	clone := RoundData{RoundID: r.RoundID, UpdatedAt: r.UpdatedAt}
	if r.Price != nil {
		clone.Price = new(big.Int).Set(r.Price)
	}
	return clone
}

// OracleSource resolves the latest round for a price feed identifier. A single
// implementation is wired at configuration time; the engine never hard-codes a
// specific price system.
type OracleSource interface {
	LatestRoundData(feed common.Address) (RoundData, error)
}
