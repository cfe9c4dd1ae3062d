// Package walletstore defines the key/value storage abstraction the wallet
// core is built on (the "Store" external collaborator of spec Section 6)
// and a concrete badger-backed implementation, grounded on the prefixed-key
// badger usage of dcrdex's BadgerTxDB and the bucket-per-namespace shape of
// btcwallet's walletdb.
package walletstore

import "errors"

// ErrNotFound is returned by Get when the key does not exist. Callers that
// want "return nil, no error" semantics should treat this with errors.Is.
var ErrNotFound = errors.New("walletstore: key not found")

// Range bounds a lexicographic key scan over an Instance. Gt and Lt are
// inclusive of Gt and exclusive of Lt, following the spec's "[i:h, i:h+1)"
// convention. A nil bound means unbounded on that side.
type Range struct {
	Gt      []byte
	Lt      []byte
	Reverse bool
}

// EntryFunc is called once per matching key/value pair during a range scan.
// Returning false stops the scan early.
type EntryFunc func(key, value []byte) bool

// Instance is one named KV namespace within a Store (e.g. "addr",
// "tx-history", "broadcasted", "cache"). Keys are ordered lexicographically
// by byte value, which is what backs every range scan described in spec
// Section 4.6.
type Instance interface {
	// Get returns the stored value, or ErrNotFound if the key is absent.
	Get(key []byte) ([]byte, error)
	// Put inserts or overwrites the value for key.
	Put(key, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key []byte) error
	// Entries performs a range scan per Range and invokes fn for each
	// matching key in lexicographic (or reverse) order.
	Entries(rng Range, fn EntryFunc) error
	// Clear removes every key in the instance.
	Clear() error
}

// Store opens and owns named Instances backed by a single underlying
// database handle, mirroring the "named instances" capability set of spec
// Section 6.
type Store interface {
	// Instance returns (creating if necessary) the named namespace.
	Instance(name string) (Instance, error)
	// Close releases the underlying database handle. All Instances
	// obtained from this Store become invalid.
	Close() error
}
