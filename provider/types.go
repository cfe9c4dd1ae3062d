// Package provider implements the Provider (spec component C3): a typed
// facade over the RPC Transport that exposes get_history/get_balance/
// get_mempool/broadcast and assembles rich transaction views with inputs
// resolved to the prior outputs they spend.
//
// Grounded on decred.org/dcrdex's (*electrumWallet) transaction assembly
// (client/asset/btc/electrum.go and wallet_methods.go), generalized from
// an HTTP wallet-RPC client to operate over the raw electrum.Conn
// transport and to compute the fields spec Section 3's Transaction view
// names explicitly (std_out flags, unconfirmed_inputs, coinbase subsidy).
package provider

import "decred.org/hdwallet-core/amount"

// Output is a normalized transaction output.
type Output struct {
	Address    string
	Value      amount.Amount
	WitnessHex string
	Index      uint32
	TxID       string
	Height     int64
}

// InputDetail is an input expanded to the previous output it spends.
type InputDetail struct {
	PrevTxID     string
	PrevIndex    uint32
	PrevTxHeight int64
	Value        amount.Amount
	Address      string
	Coinbase     bool
}

// TxView is the normalized result of expanding a raw transaction (spec
// Section 3's Transaction view).
type TxView struct {
	TxID   string
	Height int64 // 0 for mempool

	Outputs []Output
	Inputs  []InputDetail

	// StdOut parallels the raw vout list (not Outputs, which omits
	// non-standard entries): StdOut[i] is false when vout i carried no
	// extractable address (non-standard, OP_RETURN, bare multisig).
	StdOut []bool
	// StdIn parallels the raw vin list similarly, false for inputs whose
	// previous output had no extractable address.
	StdIn []bool

	// UnconfirmedInputs lists the previous outpoints (txid:index) among
	// Inputs whose parent transaction has Height == 0, i.e. is itself
	// still in the mempool.
	UnconfirmedInputs []string

	Fee amount.Amount
}

// IsCoinbase reports whether this transaction view was a coinbase (exactly
// one synthesized input with no real previous output).
func (v *TxView) IsCoinbase() bool {
	return len(v.Inputs) == 1 && v.Inputs[0].Coinbase
}
