// Package simledger is an in-process ledger that hosts the marketplace
// application. It backs the devnet run mode and the test suites.
package simledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/digitalmarket/internal/crypto"
	"github.com/alanyoungcy/digitalmarket/internal/domain"
	"github.com/alanyoungcy/digitalmarket/internal/ledger"
)

// Config holds the ledger's consensus parameters.
type Config struct {
	MinFee     uint64
	AccountMBR uint64
	AssetMBR   uint64
	GenesisID  string
}

// DefaultConfig mirrors common public-network values.
func DefaultConfig() Config {
	return Config{
		MinFee:     1000,
		AccountMBR: 100_000,
		AssetMBR:   100_000,
		GenesisID:  "dmarket-devnet-v1",
	}
}

type account struct {
	balance  uint64
	holdings map[uint64]uint64
}

func (a *account) clone() *account {
	c := &account{balance: a.balance, holdings: make(map[uint64]uint64, len(a.holdings))}
	for k, v := range a.holdings {
		c.holdings[k] = v
	}
	return c
}

type asset struct {
	id       uint64
	total    uint64
	creator  string
	name     string
	unitName string
}

type application struct {
	id      uint64
	creator string
	global  ledger.GlobalState
}

func (a *application) clone() *application {
	c := &application{id: a.id, creator: a.creator, global: make(ledger.GlobalState, len(a.global))}
	for k, v := range a.global {
		c.global[k] = v
	}
	return c
}

type state struct {
	accounts  map[string]*account
	assets    map[uint64]*asset
	apps      map[uint64]*application
	nextIndex uint64
	round     uint64
}

func newState() *state {
	return &state{
		accounts:  make(map[string]*account),
		assets:    make(map[uint64]*asset),
		apps:      make(map[uint64]*application),
		nextIndex: 1000,
	}
}

// clone deep-copies the mutable parts so a group can be applied and thrown
// away on failure.
func (s *state) clone() *state {
	c := &state{
		accounts:  make(map[string]*account, len(s.accounts)),
		assets:    make(map[uint64]*asset, len(s.assets)),
		apps:      make(map[uint64]*application, len(s.apps)),
		nextIndex: s.nextIndex,
		round:     s.round,
	}
	for k, v := range s.accounts {
		c.accounts[k] = v.clone()
	}
	for k, v := range s.assets {
		c.assets[k] = v
	}
	for k, v := range s.apps {
		c.apps[k] = v.clone()
	}
	return c
}

func (s *state) account(addr string) *account {
	a, ok := s.accounts[addr]
	if !ok {
		a = &account{holdings: make(map[uint64]uint64)}
		s.accounts[addr] = a
	}
	return a
}

func (s *state) allocIndex() uint64 {
	s.nextIndex++
	return s.nextIndex
}

// Ledger is the in-process ledger. It is safe for concurrent use; groups
// commit one at a time.
type Ledger struct {
	mu     sync.Mutex
	st     *state
	cfg    Config
	logger *slog.Logger
}

// New creates an empty ledger.
func New(cfg Config, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		st:     newState(),
		cfg:    cfg,
		logger: logger.With(slog.String("component", "simledger")),
	}
}

var _ ledger.Client = (*Ledger)(nil)

// Fund credits addr out of thin air. It plays the role of a network
// dispenser.
func (l *Ledger) Fund(addr string, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.st.account(ledger.NormalizeAddress(addr)).balance += amount
}

// NewAccount generates a fresh key and funds its account with amount.
func (l *Ledger) NewAccount(amount uint64) (*crypto.Signer, error) {
	s, _, err := crypto.GenerateSigner()
	if err != nil {
		return nil, fmt.Errorf("simledger: new account: %w", err)
	}
	l.Fund(s.Address(), amount)
	return s, nil
}

// Round returns the last committed round.
func (l *Ledger) Round() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st.round
}

// Config returns the ledger's parameters.
func (l *Ledger) Config() Config {
	return l.cfg
}

// MinBalance is the balance addr must keep given its current holdings.
func (l *Ledger) MinBalance(addr string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.st.accounts[ledger.NormalizeAddress(addr)]
	if !ok {
		return 0
	}
	return l.minBalance(a)
}

func (l *Ledger) minBalance(a *account) uint64 {
	if a.balance == 0 && len(a.holdings) == 0 {
		return 0
	}
	return l.cfg.AccountMBR + l.cfg.AssetMBR*uint64(len(a.holdings))
}

// SuggestedParams implements ledger.Client.
func (l *Ledger) SuggestedParams(ctx context.Context) (ledger.Params, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Params{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return ledger.Params{
		MinFee:     l.cfg.MinFee,
		FirstValid: l.st.round + 1,
		LastValid:  l.st.round + 1001,
		GenesisID:  l.cfg.GenesisID,
	}, nil
}

// SendGroup implements ledger.Client. The group is applied to a copy of the
// state which replaces the live state only when every transaction succeeds.
func (l *Ledger) SendGroup(ctx context.Context, group []ledger.SignedTxn) ([]ledger.Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.st.clone()
	next.round++
	ev := &evaluator{l: l, st: next, group: group}
	confs, err := ev.run()
	if err != nil {
		l.logger.DebugContext(ctx, "simledger: group rejected",
			slog.Int("size", len(group)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	l.st = next
	l.logger.DebugContext(ctx, "simledger: group committed",
		slog.Int("size", len(group)),
		slog.Uint64("round", next.round),
	)
	return confs, nil
}

// ApplicationGlobalState implements ledger.Client.
func (l *Ledger) ApplicationGlobalState(ctx context.Context, appID uint64) (ledger.GlobalState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	app, ok := l.st.apps[appID]
	if !ok {
		return nil, fmt.Errorf("simledger: application %d: %w", appID, domain.ErrNotFound)
	}
	return app.clone().global, nil
}

// ApplicationCreator implements ledger.Client.
func (l *Ledger) ApplicationCreator(ctx context.Context, appID uint64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	app, ok := l.st.apps[appID]
	if !ok {
		return "", fmt.Errorf("simledger: application %d: %w", appID, domain.ErrNotFound)
	}
	return app.creator, nil
}

// AccountBalance implements ledger.Client.
func (l *Ledger) AccountBalance(ctx context.Context, addr string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.st.accounts[ledger.NormalizeAddress(addr)]
	if !ok {
		return 0, nil
	}
	return a.balance, nil
}

// AccountAssetBalance implements ledger.Client. An account that has not
// opted in to assetID yields domain.ErrNotFound.
func (l *Ledger) AccountAssetBalance(ctx context.Context, addr string, assetID uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.st.accounts[ledger.NormalizeAddress(addr)]
	if !ok {
		return 0, fmt.Errorf("simledger: account %s: %w", addr, domain.ErrNotFound)
	}
	amt, ok := a.holdings[assetID]
	if !ok {
		return 0, fmt.Errorf("simledger: account %s holding %d: %w", addr, assetID, domain.ErrNotFound)
	}
	return amt, nil
}

// Asset returns the parameters of a minted asset.
func (l *Ledger) Asset(ctx context.Context, assetID uint64) (domain.Asset, error) {
	if err := ctx.Err(); err != nil {
		return domain.Asset{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	as, ok := l.st.assets[assetID]
	if !ok {
		return domain.Asset{}, fmt.Errorf("simledger: asset %d: %w", assetID, domain.ErrNotFound)
	}
	return domain.Asset{ID: as.id, Total: as.total, Creator: as.creator, Name: as.name, UnitName: as.unitName}, nil
}
