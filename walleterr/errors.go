// Package walleterr defines the error kinds surfaced by the wallet core and
// a small wrapper for attaching detail to a sentinel error kind while
// preserving errors.Is/errors.As compatibility.
package walleterr

// Kind identifies a class of error. Components return one of these sentinel
// values (optionally wrapped via New for added detail) rather than ad hoc
// error strings, so callers can classify failures with errors.Is.
type Kind string

// Error satisfies the error interface.
func (k Kind) Error() string {
	return string(k)
}

const (
	// NotConnected is returned when a request is attempted while the
	// transport is in any state other than CONNECTED.
	NotConnected = Kind("not connected")
	// Transport covers socket-level failures: dial, read, write, and
	// disconnects that fail in-flight requests.
	Transport = Kind("transport error")
	// Decode is surfaced as a request-error observation, not a fatal
	// condition, when a frame fails to parse as JSON.
	Decode = Kind("decode error")
	// Timeout is returned when a request exceeds its deadline.
	Timeout = Kind("timeout")
	// Insufficient is returned by coin selection when the candidate UTXO
	// set cannot meet the requested amount plus fee.
	Insufficient = Kind("insufficient funds")
	// InvalidFee is returned when a requested fee rate is outside
	// (0, max_fee_limit].
	InvalidFee = Kind("invalid fee rate")
	// DustOutput is returned when a constructed output (recipient or
	// change) would fall below the dust limit.
	DustOutput = Kind("dust output")
	// BroadcastFailed carries the remote server's rejection of a
	// broadcast transaction.
	BroadcastFailed = Kind("broadcast failed")
	// ReorgDetected is returned when a new block height arrives below the
	// current tip. The block update is refused; sync state is untouched.
	ReorgDetected = Kind("reorg detected")
	// StoreCorrupt indicates a ledger invariant was violated. The
	// operation in progress is aborted.
	StoreCorrupt = Kind("store corrupt")
)

// RemoteError carries a JSON-RPC error object returned by the Electrum
// server, together with the method that produced it.
type RemoteError struct {
	Method  string
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return "rpc error from " + e.Method + ": " + e.Message
}

// Detailed pairs a Kind with a free-form detail string, preserving the
// ability to test the original Kind via errors.Is/errors.As through Unwrap.
type Detailed struct {
	kind   Kind
	detail string
}

// New wraps kind with a detail message.
func New(kind Kind, detail string) *Detailed {
	return &Detailed{kind: kind, detail: detail}
}

func (e *Detailed) Error() string {
	if e.detail == "" {
		return e.kind.Error()
	}
	return e.kind.Error() + ": " + e.detail
}

// Unwrap exposes the underlying Kind so errors.Is(err, walleterr.Insufficient)
// works through a Detailed wrapper.
func (e *Detailed) Unwrap() error {
	return e.kind
}
