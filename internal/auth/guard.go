package auth

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"curvex/internal/reject"
)

var errSignatureLength = errors.New("signature must be 65 bytes")

// Guard verifies typed-data order signatures and enforces strictly
// increasing per-trader nonces. Verification, nonce increment, and lane
// enqueue are serialized per trader so two orders from the same trader can
// never observe the same expected nonce or be reordered on their way into
// the matching lane.
type Guard struct {
	domain Domain
	logger zerolog.Logger

	mu      sync.Mutex
	traders map[string]*traderState
}

type traderState struct {
	mu       sync.Mutex
	expected uint64 // Next expected nonce
}

func NewGuard(domain Domain, logger zerolog.Logger) *Guard {
	return &Guard{
		domain:  domain,
		logger:  logger,
		traders: make(map[string]*traderState),
	}
}

// now is swappable in tests.
var now = time.Now

// Verify checks signature, deadline, and nonce without consuming the nonce.
// Returns nil or a reject.Error.
func (g *Guard) Verify(o *SignedOrder) error {
	if o.Deadline == nil || !o.Deadline.IsInt64() || o.Deadline.Int64() <= now().Unix() {
		return reject.New(reject.CodeExpiredOrder, "order deadline has passed")
	}

	signer, err := g.domain.RecoverSigner(o)
	if err != nil {
		return reject.New(reject.CodeInvalidSignature, "signature recovery failed: %v", err)
	}
	if signer != o.Trader {
		return reject.New(reject.CodeInvalidSignature,
			"recovered signer %s does not match trader %s", signer.Hex(), o.Trader.Hex())
	}

	st := g.stateFor(o.Trader.Hex())
	st.mu.Lock()
	expected := st.expected
	st.mu.Unlock()

	if !o.Nonce.IsUint64() || o.Nonce.Uint64() != expected {
		return reject.New(reject.CodeNonceReplay,
			"nonce %s is not the expected value %d", o.Nonce.String(), expected)
	}

	return nil
}

// Admit verifies the order and, on success, consumes the trader's nonce and
// runs enqueue while still holding the trader's lock. If enqueue fails the
// nonce is not consumed.
func (g *Guard) Admit(o *SignedOrder, enqueue func() error) error {
	st := g.stateFor(o.Trader.Hex())
	st.mu.Lock()
	defer st.mu.Unlock()

	if o.Deadline == nil || !o.Deadline.IsInt64() || o.Deadline.Int64() <= now().Unix() {
		return reject.New(reject.CodeExpiredOrder, "order deadline has passed")
	}

	signer, err := g.domain.RecoverSigner(o)
	if err != nil {
		return reject.New(reject.CodeInvalidSignature, "signature recovery failed: %v", err)
	}
	if signer != o.Trader {
		return reject.New(reject.CodeInvalidSignature,
			"recovered signer %s does not match trader %s", signer.Hex(), o.Trader.Hex())
	}

	if !o.Nonce.IsUint64() || o.Nonce.Uint64() != st.expected {
		return reject.New(reject.CodeNonceReplay,
			"nonce %s is not the expected value %d", o.Nonce.String(), st.expected)
	}

	if err := enqueue(); err != nil {
		return err
	}

	st.expected++
	return nil
}

// ExpectedNonce returns the next nonce the guard will accept for a trader.
func (g *Guard) ExpectedNonce(trader string) uint64 {
	st := g.stateFor(strings.ToLower(trader))
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.expected
}

// RestoreNonce seeds a trader's expected nonce during startup recovery.
func (g *Guard) RestoreNonce(trader string, expected uint64) {
	st := g.stateFor(strings.ToLower(trader))
	st.mu.Lock()
	st.expected = expected
	st.mu.Unlock()
}

// Nonces snapshots all trader nonces for persistence.
func (g *Guard) Nonces() map[string]uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]uint64, len(g.traders))
	for trader, st := range g.traders {
		st.mu.Lock()
		out[trader] = st.expected
		st.mu.Unlock()
	}
	return out
}

func (g *Guard) stateFor(trader string) *traderState {
	key := strings.ToLower(trader)

	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.traders[key]
	if st == nil {
		st = &traderState{}
		g.traders[key] = st
	}
	return st
}
