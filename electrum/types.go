package electrum

// Wire result shapes for the Electrum methods this wallet core consumes.
// Grounded on decred.org/dcrdex's client/asset/btc/electrum.GetTransactionResult
// and friends; Value fields there are float64 BTC as the protocol specifies,
// decoded into amount.Amount at the Provider layer rather than here, so this
// package stays a faithful mirror of the wire format.

// SigScript is the scriptSig of a transaction input.
type SigScript struct {
	Asm string `json:"asm"`
	Hex string `json:"hex"`
}

// Vin is a transaction input as returned by blockchain.transaction.get.
type Vin struct {
	TxID      string     `json:"txid"`
	Vout      uint32     `json:"vout"`
	SigScript *SigScript `json:"scriptsig"`
	Witness   []string   `json:"txinwitness,omitempty"`
	Sequence  uint32     `json:"sequence"`
	Coinbase  string     `json:"coinbase,omitempty"`
}

// PkScript is the scriptPubKey of a transaction output.
type PkScript struct {
	Asm       string   `json:"asm"`
	Hex       string   `json:"hex"`
	ReqSigs   uint32   `json:"reqsigs"`
	Type      string   `json:"type"`
	Addresses []string `json:"addresses,omitempty"`
}

// Vout is a transaction output as returned by blockchain.transaction.get.
type Vout struct {
	Value    float64  `json:"value"`
	N        uint32   `json:"n"`
	PkScript PkScript `json:"scriptpubkey"`
}

// RawTransactionResult is the verbose result of blockchain.transaction.get.
type RawTransactionResult struct {
	TxID          string `json:"txid"`
	Version       uint32 `json:"version"`
	Size          uint32 `json:"size"`
	VSize         uint32 `json:"vsize"`
	Weight        uint32 `json:"weight"`
	LockTime      uint32 `json:"locktime"`
	Hex           string `json:"hex"`
	Vin           []Vin  `json:"vin"`
	Vout          []Vout `json:"vout"`
	BlockHash     string `json:"blockhash,omitempty"`
	Confirmations int32  `json:"confirmations,omitempty"`
	Time          int64  `json:"time,omitempty"`
	BlockTime     int64  `json:"blocktime,omitempty"`
}

// HistoryEntry is an element of blockchain.scripthash.get_history or
// get_mempool.
type HistoryEntry struct {
	Height int64  `json:"height"` // 0 for mempool
	TxHash string `json:"tx_hash"`
	Fee    *int64 `json:"fee,omitempty"` // only present in mempool entries
}

// BalanceResult is the result of blockchain.scripthash.get_balance.
type BalanceResult struct {
	Confirmed   int64 `json:"confirmed"`
	Unconfirmed int64 `json:"unconfirmed"`
}

// HeadersSubscribeResult is both the initial result and the push payload of
// blockchain.headers.subscribe.
type HeadersSubscribeResult struct {
	Height int64  `json:"height"`
	Hex    string `json:"hex"`
}

// ScriptHashStatus is both the initial result and the push payload of
// blockchain.scripthash.subscribe: a hash of the script's history, or null
// if the script has none. The wallet treats any change in this value as a
// signal to refetch history.
type ScriptHashStatus struct {
	ScriptHash string
	Status     *string
}

// ServerFeatures is the result of server.features.
type ServerFeatures struct {
	Genesis  string `json:"genesis_hash"`
	ProtoMax string `json:"protocol_max"`
	ProtoMin string `json:"protocol_min"`
	Version  string `json:"server_version"`
	HashFunc string `json:"hash_function"`
}
