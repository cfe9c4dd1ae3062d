// Package hdpath implements the HD Path Walker (spec component C4): pure
// path arithmetic and gap-limit discovery over a BIP32 account tree. It
// never touches key material; deriving a script hash from a Path is
// delegated to the external Key Manager (spec Section 6), consistent with
// the key-derivation/signing primitives being out of CORE scope (spec
// Section 1).
//
// Branch/scope naming follows btcsuite/btcwallet/waddrmgr's KeyScope and
// ExternalBranch/InternalBranch convention.
package hdpath

import "fmt"

// Chain selects the external (receive) or internal (change) branch of an
// account.
type Chain uint32

const (
	// ExternalChain is the receive branch (change = 0).
	ExternalChain Chain = 0
	// InternalChain is the change branch (change = 1).
	InternalChain Chain = 1
)

func (c Chain) String() string {
	switch c {
	case ExternalChain:
		return "external"
	case InternalChain:
		return "internal"
	default:
		return fmt.Sprintf("chain(%d)", uint32(c))
	}
}

// AddressType tags the script template a purpose value implies.
type AddressType string

const (
	P2PKH       AddressType = "p2pkh"
	P2SHP2WPKH  AddressType = "p2sh-p2wpkh"
	P2WPKH      AddressType = "p2wpkh"
	P2TR        AddressType = "p2tr"
	UnknownType AddressType = "unknown"
)

// Standard BIP purpose values.
const (
	PurposeBIP44 uint32 = 44
	PurposeBIP49 uint32 = 49
	PurposeBIP84 uint32 = 84
	PurposeBIP86 uint32 = 86
)

// GetAddressType maps a purpose field to the address-kind tag it implies.
func GetAddressType(purpose uint32) AddressType {
	switch purpose {
	case PurposeBIP44:
		return P2PKH
	case PurposeBIP49:
		return P2SHP2WPKH
	case PurposeBIP84:
		return P2WPKH
	case PurposeBIP86:
		return P2TR
	default:
		return UnknownType
	}
}

// Path is a derivation tuple (purpose, coin, account, change, index),
// rendered as m/P'/C'/A'/ch/i.
type Path struct {
	Purpose uint32
	Coin    uint32
	Account uint32
	Change  Chain
	Index   uint32
}

// String renders the path in the conventional BIP32 notation.
func (p Path) String() string {
	return fmt.Sprintf("m/%d'/%d'/%d'/%d/%d", p.Purpose, p.Coin, p.Account, uint32(p.Change), p.Index)
}

// AddressType returns the address kind implied by this path's purpose.
func (p Path) AddressType() AddressType {
	return GetAddressType(p.Purpose)
}

// Bump returns the path with Index incremented by one. The receiver is
// unmodified.
func (p Path) Bump() Path {
	next := p
	next.Index++
	return next
}

// Walker produces the next path on each chain of a single account on
// demand, enforcing that an index already handed out on a chain is never
// returned again (spec Section 3 invariant).
type Walker struct {
	purpose uint32
	coin    uint32
	account uint32

	// lastIndex holds the last index handed out per chain. A chain with
	// no addresses yet holds no entry.
	lastIndex map[Chain]uint32
	hasIndex  map[Chain]bool
}

// NewWalker constructs a Walker for the given BIP32 account coordinates.
func NewWalker(purpose, coin, account uint32) *Walker {
	return &Walker{
		purpose:   purpose,
		coin:      coin,
		account:   account,
		lastIndex: make(map[Chain]uint32),
		hasIndex:  make(map[Chain]bool),
	}
}

// Next returns the next path to assign on chain ch: index 0 if nothing has
// been assigned yet, otherwise one past the last assigned index.
func (w *Walker) Next(ch Chain) Path {
	idx := uint32(0)
	if w.hasIndex[ch] {
		idx = w.lastIndex[ch] + 1
	}
	return Path{Purpose: w.purpose, Coin: w.coin, Account: w.account, Change: ch, Index: idx}
}

// Advance records that idx has been handed out on chain ch. It panics if
// idx is not strictly greater than any previously advanced index on the
// same chain, enforcing the spec's "never returns an index <= a previously
// returned index on the same chain" invariant at the one place indices are
// minted.
func (w *Walker) Advance(ch Chain, idx uint32) {
	if w.hasIndex[ch] && idx <= w.lastIndex[ch] {
		panic(fmt.Sprintf("hdpath: non-monotonic index on %s chain: %d after %d", ch, idx, w.lastIndex[ch]))
	}
	w.lastIndex[ch] = idx
	w.hasIndex[ch] = true
}

// LastIndex reports the last index assigned on ch, and whether any index
// has been assigned at all.
func (w *Walker) LastIndex(ch Chain) (idx uint32, ok bool) {
	return w.lastIndex[ch], w.hasIndex[ch]
}
