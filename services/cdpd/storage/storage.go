package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"

	_ "github.com/glebarez/sqlite"

	"github.com/ethereum/go-ethereum/common"
)

// Storage persists the engine's position ledgers and the token ledger in a
// single SQLite database. Amounts are stored as decimal strings so arbitrary
// 256-bit values survive the round trip.
type Storage struct {
	db *sql.DB
}

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("cdpd storage path must be configured")
)

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(dsn string) (*Storage, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetCollateral returns the deposited amount for (user, token), zero when the
// position does not exist.
func (s *Storage) GetCollateral(user, token common.Address) (*big.Int, error) {
	row := s.db.QueryRow(`
        SELECT amount FROM collateral_positions WHERE user = ? AND token = ?
    `, user.Hex(), token.Hex())
	return scanAmount(row, "collateral position")
}

func (s *Storage) PutCollateral(user, token common.Address, amount *big.Int) error {
	_, err := s.db.Exec(`
        INSERT INTO collateral_positions(user, token, amount)
        VALUES(?, ?, ?)
        ON CONFLICT(user, token) DO UPDATE SET amount = excluded.amount
    `, user.Hex(), token.Hex(), encodeAmount(amount))
	if err != nil {
		return fmt.Errorf("upsert collateral position: %w", err)
	}
	return nil
}

func (s *Storage) GetDebt(user common.Address) (*big.Int, error) {
	row := s.db.QueryRow(`
        SELECT amount FROM debt_positions WHERE user = ?
    `, user.Hex())
	return scanAmount(row, "debt position")
}

func (s *Storage) PutDebt(user common.Address, amount *big.Int) error {
	_, err := s.db.Exec(`
        INSERT INTO debt_positions(user, amount)
        VALUES(?, ?)
        ON CONFLICT(user) DO UPDATE SET amount = excluded.amount
    `, user.Hex(), encodeAmount(amount))
	if err != nil {
		return fmt.Errorf("upsert debt position: %w", err)
	}
	return nil
}

func (s *Storage) GetBalance(token, account common.Address) (*big.Int, error) {
	row := s.db.QueryRow(`
        SELECT amount FROM token_balances WHERE token = ? AND account = ?
    `, token.Hex(), account.Hex())
	return scanAmount(row, "token balance")
}

func (s *Storage) PutBalance(token, account common.Address, amount *big.Int) error {
	_, err := s.db.Exec(`
        INSERT INTO token_balances(token, account, amount)
        VALUES(?, ?, ?)
        ON CONFLICT(token, account) DO UPDATE SET amount = excluded.amount
    `, token.Hex(), account.Hex(), encodeAmount(amount))
	if err != nil {
		return fmt.Errorf("upsert token balance: %w", err)
	}
	return nil
}

func (s *Storage) GetAllowance(token, owner, spender common.Address) (*big.Int, error) {
	row := s.db.QueryRow(`
        SELECT amount FROM token_allowances WHERE token = ? AND owner = ? AND spender = ?
    `, token.Hex(), owner.Hex(), spender.Hex())
	return scanAmount(row, "token allowance")
}

func (s *Storage) PutAllowance(token, owner, spender common.Address, amount *big.Int) error {
	_, err := s.db.Exec(`
        INSERT INTO token_allowances(token, owner, spender, amount)
        VALUES(?, ?, ?, ?)
        ON CONFLICT(token, owner, spender) DO UPDATE SET amount = excluded.amount
    `, token.Hex(), owner.Hex(), spender.Hex(), encodeAmount(amount))
	if err != nil {
		return fmt.Errorf("upsert token allowance: %w", err)
	}
	return nil
}

func (s *Storage) GetSupply(token common.Address) (*big.Int, error) {
	row := s.db.QueryRow(`
        SELECT amount FROM token_supply WHERE token = ?
    `, token.Hex())
	return scanAmount(row, "token supply")
}

func (s *Storage) PutSupply(token common.Address, amount *big.Int) error {
	_, err := s.db.Exec(`
        INSERT INTO token_supply(token, amount)
        VALUES(?, ?)
        ON CONFLICT(token) DO UPDATE SET amount = excluded.amount
    `, token.Hex(), encodeAmount(amount))
	if err != nil {
		return fmt.Errorf("upsert token supply: %w", err)
	}
	return nil
}

func encodeAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

func scanAmount(row *sql.Row, what string) (*big.Int, error) {
	var encoded string
	if err := row.Scan(&encoded); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return big.NewInt(0), nil
		}
		return nil, fmt.Errorf("query %s: %w", what, err)
	}
	amount, ok := new(big.Int).SetString(encoded, 10)
	if !ok {
		return nil, fmt.Errorf("decode %s amount %q", what, encoded)
	}
	return amount, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS collateral_positions (
    user TEXT NOT NULL,
    token TEXT NOT NULL,
    amount TEXT NOT NULL,
    PRIMARY KEY (user, token)
);
CREATE TABLE IF NOT EXISTS debt_positions (
    user TEXT PRIMARY KEY,
    amount TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS token_balances (
    token TEXT NOT NULL,
    account TEXT NOT NULL,
    amount TEXT NOT NULL,
    PRIMARY KEY (token, account)
);
CREATE TABLE IF NOT EXISTS token_allowances (
    token TEXT NOT NULL,
    owner TEXT NOT NULL,
    spender TEXT NOT NULL,
    amount TEXT NOT NULL,
    PRIMARY KEY (token, owner, spender)
);
CREATE TABLE IF NOT EXISTS token_supply (
    token TEXT PRIMARY KEY,
    amount TEXT NOT NULL
);
`
