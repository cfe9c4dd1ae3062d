// Package txbuilder implements the Transaction Builder (spec component
// C7): coin selection for a requested send, two-pass fee-aware PSBT
// assembly, and broadcast.
//
// Grounded on decred.org/dcrdex's client/asset/btc/spv.go
// ((*walletExtender).signTransaction / secretSource), which drives
// btcsuite/btcwallet/wallet/txauthor.AddAllInputScripts against a
// SecretsSource implemented by the wallet's key manager — generalized
// here so the key manager (spec Section 6, out of core scope) is supplied
// by the caller as a txauthor.SecretsSource, and to the two-pass
// probe/finalize refinement spec Section 4.7 requires.
package txbuilder

import (
	"decred.org/hdwallet-core/amount"
	"decred.org/hdwallet-core/hdpath"
)

// DustLimit is the minimum economical output value (spec Glossary).
const DustLimit = amount.Amount(546)

// DefaultMaxFeeRate bounds fee_rate absent an explicit override (spec
// Section 4.7).
const DefaultMaxFeeRate = amount.Amount(100_000)

// SendRequest describes a requested payment.
type SendRequest struct {
	Address string
	Amount  amount.Amount
	// FeeRate is in satoshis per virtual byte.
	FeeRate amount.Amount
	// MaxFeeRate overrides DefaultMaxFeeRate when > 0.
	MaxFeeRate amount.Amount
}

// ChangeSource mints a fresh internal-chain change address. It is the
// seam to the HD Path Walker plus the external Key Manager (spec Section
// 6): txbuilder never derives key material itself.
type ChangeSource func() (address string, pkScript []byte, path hdpath.Path, err error)

// AddressToScript resolves an encoded address to its scriptPubKey. Seam to
// the external, network-specific address encoder (spec Section 1).
type AddressToScript func(address string) (pkScript []byte, err error)

// BuildResult is a successfully assembled, signed transaction.
type BuildResult struct {
	TxID    string
	RawHex  string
	Fee     amount.Amount
	VSize   int64
	Inputs  []SpentInput
	Change  amount.Amount
}

// SpentInput records one input consumed by a built transaction, for the
// caller to release or consume via walletsync.Manager.UnlockUtxo.
type SpentInput struct {
	TxID  string
	Index uint32
}
