// Package ledger implements the Address Ledger (spec component C6):
// per-address three-bucket balances and a height-indexed transaction
// history, backed by walletstore.
//
// Grounded on decred.org/dcrdex's client/asset/btc/txdb.go (BadgerTxDB),
// generalized from that package's single wallet-wide block/pending
// indices to a per-address Balance with the confirmed/pending/mempool
// buckets spec Section 3 names explicitly.
package ledger

import "decred.org/hdwallet-core/amount"

// Bucket classifies a transaction's contribution to a balance.
type Bucket int

const (
	Confirmed Bucket = iota
	Pending
	Mempool
	numBuckets
)

func (b Bucket) String() string {
	switch b {
	case Confirmed:
		return "confirmed"
	case Pending:
		return "pending"
	case Mempool:
		return "mempool"
	default:
		return "unknown"
	}
}

// txEntry is a single transaction's contribution to a bucket.
type txEntry struct {
	TxID   string        `json:"txid"`
	Amount amount.Amount `json:"amount"`
}

// Balance holds the three confirmation buckets of a credit or debit
// series, each carrying the list of (txid, amount) pairs that contributed
// to it (spec Section 3 "Address entry").
type Balance struct {
	Confirmed amount.Amount
	Pending   amount.Amount
	Mempool   amount.Amount

	// BucketEntries must stay exported so it round-trips through the
	// encoding/json marshal/unmarshal that store.go's GetAddress and
	// putAddress do on every read and write, not just across restarts:
	// AddTxid's double-count guard depends on this slice surviving that
	// round trip.
	BucketEntries [numBuckets][]txEntry `json:"entries"`
}

func (b *Balance) bucketAmount(bucket Bucket) *amount.Amount {
	switch bucket {
	case Confirmed:
		return &b.Confirmed
	case Pending:
		return &b.Pending
	case Mempool:
		return &b.Mempool
	default:
		panic("ledger: invalid bucket")
	}
}

// AddTxid records amount for txid in bucket, first removing any prior
// record of txid from every bucket (spec Section 4.5: "must be idempotent
// across buckets"). This is the single operation that moves a
// transaction's contribution between mempool, pending, and confirmed
// without double-counting: calling it twice with the same arguments is a
// no-op after the first call.
func (b *Balance) AddTxid(bucket Bucket, txid string, amt amount.Amount) {
	for bk := Bucket(0); bk < numBuckets; bk++ {
		entries := b.BucketEntries[bk]
		for i, e := range entries {
			if e.TxID == txid {
				*b.bucketAmount(bk) -= e.Amount
				b.BucketEntries[bk] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
	*b.bucketAmount(bucket) += amt
	b.BucketEntries[bucket] = append(b.BucketEntries[bucket], txEntry{TxID: txid, Amount: amt})
}

// Entries returns the (txid, amount) pairs currently attributed to bucket.
func (b *Balance) Entries(bucket Bucket) []txEntry {
	return b.BucketEntries[bucket]
}

// Combined is the result of Balance.Combine: the elementwise difference of
// two balances plus their consolidated sum.
type Combined struct {
	Confirmed    amount.Amount
	Pending      amount.Amount
	Mempool      amount.Amount
	Consolidated amount.Amount
}

// Combine subtracts other's buckets from b's elementwise and returns the
// result along with the consolidated (summed) total (spec Section 4.6).
func (b Balance) Combine(other Balance) Combined {
	c := Combined{
		Confirmed: b.Confirmed - other.Confirmed,
		Pending:   b.Pending - other.Pending,
		Mempool:   b.Mempool - other.Mempool,
	}
	c.Consolidated = c.Confirmed + c.Pending + c.Mempool
	return c
}

// Total returns the sum of all three buckets.
func (b Balance) Total() amount.Amount {
	return b.Confirmed + b.Pending + b.Mempool
}

// AddressEntry is the full per-address ledger record (spec Section 3):
// credits (In), debits (Out), and this address's share of fees when it
// was the change output of a spend it originated.
type AddressEntry struct {
	Address string
	In      Balance
	Out     Balance
	Fee     Balance
}

// NetBalance returns the address's spendable balance: credits minus debits
// minus attributed fees, combined across buckets.
func (e *AddressEntry) NetBalance() Combined {
	inOut := e.In.Combine(e.Out)
	var feeOnly Balance
	feeOnly.Confirmed = e.Fee.Confirmed
	feeOnly.Pending = e.Fee.Pending
	feeOnly.Mempool = e.Fee.Mempool
	netFee := Balance{Confirmed: inOut.Confirmed, Pending: inOut.Pending, Mempool: inOut.Mempool}.Combine(feeOnly)
	return netFee
}
