package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"decred.org/hdwallet-core/provider"
	"decred.org/hdwallet-core/walletlog"
	"decred.org/hdwallet-core/walletstore"
)

// Key layout within the three namespaces (spec Section 4.6):
//
//	addr instance:        "addr:<address>"       -> json(AddressEntry)
//	tx-history instance:  "i:<height>:<txid>"     -> json(TxRecord)   (primary, height-ordered)
//	                       "tx:<txid>"             -> height (8-byte BE) (reverse lookup)
//	broadcasted instance:  "out:<txid>"            -> json(TxRecord)

// TxRecord pairs a stored transaction view with its ledger height, mirrored
// into the tx-history index.
type TxRecord struct {
	TxID   string
	Height int64
	View   *provider.TxView
}

func historyKey(height int64, txid string) []byte {
	// Height is encoded as a fixed-width, sign-shifted big-endian uint64 so
	// lexicographic byte order matches numeric order, including height 0
	// (mempool), which sorts first.
	key := make([]byte, 2+8+len(txid))
	key[0] = 'i'
	key[1] = ':'
	binary.BigEndian.PutUint64(key[2:10], uint64(height))
	copy(key[10:], txid)
	return key
}

func heightPrefixBound(height int64) []byte {
	key := make([]byte, 10)
	key[0] = 'i'
	key[1] = ':'
	binary.BigEndian.PutUint64(key[2:10], uint64(height))
	return key
}

func reverseKey(txid string) []byte {
	return []byte("tx:" + txid)
}

func broadcastedKey(txid string) []byte {
	return []byte("out:" + txid)
}

func addrKey(address string) []byte {
	return []byte("addr:" + address)
}

// Ledger is the Address Ledger (spec component C6): per-address Balance
// triples plus a height-indexed transaction history, with single-writer
// discipline enforced per address (spec Section 5: "no critical section
// spans a suspension in the Ledger").
type Ledger struct {
	addrs      walletstore.Instance
	history    walletstore.Instance
	broadcast  walletstore.Instance
	log        walletlog.Logger

	mu       sync.Mutex
	perAddr  map[string]*sync.Mutex
}

// Open constructs a Ledger over the addr/tx-history/broadcasted instances
// of store.
func Open(store walletstore.Store, log walletlog.Logger) (*Ledger, error) {
	addrs, err := store.Instance("addr")
	if err != nil {
		return nil, fmt.Errorf("ledger: open addr instance: %w", err)
	}
	history, err := store.Instance("tx-history")
	if err != nil {
		return nil, fmt.Errorf("ledger: open tx-history instance: %w", err)
	}
	broadcast, err := store.Instance("broadcasted")
	if err != nil {
		return nil, fmt.Errorf("ledger: open broadcasted instance: %w", err)
	}
	if log == nil {
		log = walletlog.Disabled
	}
	return &Ledger{
		addrs:     addrs,
		history:   history,
		broadcast: broadcast,
		log:       log,
		perAddr:   make(map[string]*sync.Mutex),
	}, nil
}

// lockAddr returns (and creates if absent) the per-address mutex enforcing
// single-writer discipline on address's AddressEntry.
func (l *Ledger) lockAddr(address string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.perAddr[address]
	if !ok {
		m = &sync.Mutex{}
		l.perAddr[address] = m
	}
	return m
}

// GetAddress reads the current AddressEntry for address, or a zero-value
// entry if none exists yet.
func (l *Ledger) GetAddress(address string) (*AddressEntry, error) {
	raw, err := l.addrs.Get(addrKey(address))
	if err == walletstore.ErrNotFound {
		return &AddressEntry{Address: address}, nil
	}
	if err != nil {
		return nil, err
	}
	var e AddressEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("ledger: decode address entry %s: %w", address, err)
	}
	return &e, nil
}

func (l *Ledger) putAddress(e *AddressEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return l.addrs.Put(addrKey(e.Address), raw)
}

// UpdateAddress runs fn against the current AddressEntry for address under
// that address's single-writer lock, then persists the result. This is the
// one path by which AddressEntry mutations happen, guaranteeing the
// read-modify-write sequence spec Section 5 requires is never interleaved.
func (l *Ledger) UpdateAddress(address string, fn func(e *AddressEntry) error) error {
	mu := l.lockAddr(address)
	mu.Lock()
	defer mu.Unlock()

	e, err := l.GetAddress(address)
	if err != nil {
		return err
	}
	if err := fn(e); err != nil {
		return err
	}
	return l.putAddress(e)
}

// StoreTx writes view at its current height into the history index,
// deleting any stale key for the same txid first so a transaction "moves"
// between mempool (height 0) and confirmed without leaving a duplicate
// entry behind (spec Section 4.6).
func (l *Ledger) StoreTx(view *provider.TxView) error {
	txid := view.TxID
	newKey := historyKey(view.Height, txid)

	if prevHeightRaw, err := l.history.Get(reverseKey(txid)); err == nil {
		prevHeight := int64(binary.BigEndian.Uint64(prevHeightRaw))
		if prevHeight != view.Height {
			if err := l.history.Delete(historyKey(prevHeight, txid)); err != nil {
				return fmt.Errorf("ledger: delete stale history key: %w", err)
			}
		}
	} else if err != walletstore.ErrNotFound {
		return err
	}

	rec := TxRecord{TxID: txid, Height: view.Height, View: view}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := l.history.Put(newKey, raw); err != nil {
		return err
	}

	heightRaw := make([]byte, 8)
	binary.BigEndian.PutUint64(heightRaw, uint64(view.Height))
	return l.history.Put(reverseKey(txid), heightRaw)
}

// GetTxHeight returns the height stored for txid.
func (l *Ledger) GetTxHeight(txid string) (int64, bool, error) {
	raw, err := l.history.Get(reverseKey(txid))
	if err == walletstore.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return int64(binary.BigEndian.Uint64(raw)), true, nil
}

// GetTransactionsOpts controls GetTransactions' range scan.
type GetTransactionsOpts struct {
	Limit   int
	Offset  int
	Reverse bool
}

// GetTransactions performs a ranged scan over the height-ordered history
// index, skipping Offset entries and yielding up to Limit (0 means
// unlimited) in forward or reverse block order (spec Section 4.6).
func (l *Ledger) GetTransactions(opts GetTransactionsOpts) ([]TxRecord, error) {
	var out []TxRecord
	skipped := 0
	err := l.history.Entries(walletstore.Range{Reverse: opts.Reverse}, func(key, value []byte) bool {
		if len(key) < 2 || key[0] != 'i' {
			return true // skip reverse-lookup "tx:" keys
		}
		if skipped < opts.Offset {
			skipped++
			return true
		}
		var rec TxRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			l.log.Warnf("ledger: skipping corrupt history record: %v", err)
			return true
		}
		out = append(out, rec)
		return opts.Limit <= 0 || len(out) < opts.Limit
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetTransactionsAtHeight range-scans the half-open height interval
// [h, h+1) for every transaction recorded at exactly height h.
func (l *Ledger) GetTransactionsAtHeight(h int64) ([]TxRecord, error) {
	var out []TxRecord
	err := l.history.Entries(walletstore.Range{
		Gt: decrementBound(heightPrefixBound(h)),
		Lt: heightPrefixBound(h + 1),
	}, func(key, value []byte) bool {
		var rec TxRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return true
		}
		out = append(out, rec)
		return true
	})
	return out, err
}

func decrementBound(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] > 0 {
			out[i]--
			return out
		}
		out[i] = 0xff
	}
	return out
}

// RecordBroadcast persists an outgoing transaction the builder broadcast,
// for later presentation (spec Section 6 persisted state: "broadcasted").
func (l *Ledger) RecordBroadcast(view *provider.TxView) error {
	rec := TxRecord{TxID: view.TxID, Height: view.Height, View: view}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return l.broadcast.Put(broadcastedKey(view.TxID), raw)
}

// ApplyTransaction implements the confirmation-bucket update rule of spec
// Section 4.5: for every output paying an address we own, credit its In
// balance in bucket; for every input spending a UTXO we own, debit the
// spending address's Out balance; if the transaction is wholly ours
// (every input resolved to one of our addresses), attribute the fee to
// changeAddress's Fee balance. ownedOutputs/ownedInputs map output/input
// index to the owning address, as determined by the caller (Sync Manager)
// against its watched address set.
func (l *Ledger) ApplyTransaction(view *provider.TxView, bucket Bucket, ownedOutputs map[int]string, ownedInputs map[int]string, changeAddress string) error {
	for idx, address := range ownedOutputs {
		if idx < 0 || idx >= len(view.Outputs) {
			continue
		}
		value := view.Outputs[idx].Value
		if err := l.UpdateAddress(address, func(e *AddressEntry) error {
			e.Address = address
			e.In.AddTxid(bucket, view.TxID, value)
			return nil
		}); err != nil {
			return err
		}
	}

	wholelyOurs := len(ownedInputs) > 0 && len(ownedInputs) == len(view.Inputs)

	for idx, address := range ownedInputs {
		if idx < 0 || idx >= len(view.Inputs) {
			continue
		}
		value := view.Inputs[idx].Value
		if err := l.UpdateAddress(address, func(e *AddressEntry) error {
			e.Address = address
			e.Out.AddTxid(bucket, view.TxID, value)
			return nil
		}); err != nil {
			return err
		}
	}

	if wholelyOurs && changeAddress != "" && view.Fee != 0 {
		if err := l.UpdateAddress(changeAddress, func(e *AddressEntry) error {
			e.Address = changeAddress
			e.Fee.AddTxid(bucket, view.TxID, view.Fee)
			return nil
		}); err != nil {
			return err
		}
	}

	return l.StoreTx(view)
}
