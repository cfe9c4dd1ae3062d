package walletsync

import (
	"errors"
	"fmt"
	"testing"

	"decred.org/hdwallet-core/amount"
	"decred.org/hdwallet-core/hdpath"
	"decred.org/hdwallet-core/ledger"
	"decred.org/hdwallet-core/provider"
	"decred.org/hdwallet-core/walleterr"
	"decred.org/hdwallet-core/walletlog"
	"decred.org/hdwallet-core/walletstore"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store := walletstore.NewMemStore()
	l, err := ledger.Open(store, walletlog.Disabled)
	if err != nil {
		t.Fatal(err)
	}
	m, err := New(Config{
		Ledger: l,
		Store:  store,
		Log:    walletlog.Disabled,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Init(); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestClassifyMempool(t *testing.T) {
	m := newTestManager(t)
	if got := m.classify(0); got != ledger.Mempool {
		t.Fatalf("got %v want Mempool", got)
	}
}

func TestClassifyPendingBelowMinConfirm(t *testing.T) {
	m := newTestManager(t)
	if err := m.UpdateBlock(100); err != nil {
		t.Fatal(err)
	}
	// height=98 at tip=100 => 3 confirmations, below default minBlockConfirm=6.
	if got := m.classify(98); got != ledger.Pending {
		t.Fatalf("got %v want Pending", got)
	}
}

func TestClassifyConfirmedAtMinConfirm(t *testing.T) {
	m := newTestManager(t)
	if err := m.UpdateBlock(105); err != nil {
		t.Fatal(err)
	}
	// height=100 at tip=105 => 6 confirmations, equal to default minBlockConfirm.
	if got := m.classify(100); got != ledger.Confirmed {
		t.Fatalf("got %v want Confirmed", got)
	}
}

func TestUpdateBlockRefusesReorg(t *testing.T) {
	m := newTestManager(t)
	if err := m.UpdateBlock(100); err != nil {
		t.Fatal(err)
	}
	err := m.UpdateBlock(99)
	if err == nil {
		t.Fatal("expected reorg rejection")
	}
	if !errors.Is(err, walleterr.ReorgDetected) {
		t.Fatalf("expected ReorgDetected, got %v", err)
	}
	if m.CurrentBlock() != 100 {
		t.Fatalf("current block mutated on refused reorg: %d", m.CurrentBlock())
	}
}

func TestUTXOForAmountSelectsDescendingValueThenConfs(t *testing.T) {
	m := newTestManager(t)
	m.utxos = map[OutPoint]UTXO{
		{TxID: "a", Index: 0}: {TxID: "a", Index: 0, Value: 1000, Confs: 1},
		{TxID: "b", Index: 0}: {TxID: "b", Index: 0, Value: 5000, Confs: 1},
		{TxID: "c", Index: 0}: {TxID: "c", Index: 0, Value: 3000, Confs: 10},
	}

	result, err := m.UTXOForAmount(AmountRequest{Amount: 4000})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.UTXOs) != 1 || result.UTXOs[0].TxID != "b" {
		t.Fatalf("expected single largest UTXO selected, got %+v", result.UTXOs)
	}
}

func TestUTXOForAmountExcludesMempoolUnlessAllowed(t *testing.T) {
	m := newTestManager(t)
	m.utxos = map[OutPoint]UTXO{
		{TxID: "a", Index: 0}: {TxID: "a", Index: 0, Value: 10_000, Confs: 0},
	}

	if _, err := m.UTXOForAmount(AmountRequest{Amount: 1000}); err == nil {
		t.Fatal("expected insufficient funds error when mempool UTXO excluded")
	}

	result, err := m.UTXOForAmount(AmountRequest{Amount: 1000, AllowMempool: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.UTXOs) != 1 {
		t.Fatalf("expected mempool UTXO to be usable when allowed, got %+v", result.UTXOs)
	}
}

func TestUTXOForAmountExcludesLocked(t *testing.T) {
	m := newTestManager(t)
	op := OutPoint{TxID: "a", Index: 0}
	u := UTXO{TxID: "a", Index: 0, Value: 10_000, Confs: 1}
	m.utxos = map[OutPoint]UTXO{op: u}
	m.locked = map[OutPoint]UTXO{op: u}

	if _, err := m.UTXOForAmount(AmountRequest{Amount: 1000}); err == nil {
		t.Fatal("expected insufficient funds error since the only UTXO is locked")
	}
}

func TestUTXOForAmountInsufficientFunds(t *testing.T) {
	m := newTestManager(t)
	m.utxos = map[OutPoint]UTXO{
		{TxID: "a", Index: 0}: {TxID: "a", Index: 0, Value: 100, Confs: 1},
	}
	if _, err := m.UTXOForAmount(AmountRequest{Amount: 100_000}); err == nil {
		t.Fatal("expected insufficient funds error")
	}
}

func TestUnlockUtxoSuccessConsumesSelection(t *testing.T) {
	m := newTestManager(t)
	op := OutPoint{TxID: "a", Index: 0}
	m.utxos = map[OutPoint]UTXO{op: {TxID: "a", Index: 0, Value: 10_000, Confs: 1}}

	result, err := m.UTXOForAmount(AmountRequest{Amount: 1000})
	if err != nil {
		t.Fatal(err)
	}
	m.UnlockUtxo(result.UTXOs, true)

	if _, stillLocked := m.locked[op]; stillLocked {
		t.Fatal("expected lock released")
	}
	if _, stillAvailable := m.utxos[op]; stillAvailable {
		t.Fatal("expected UTXO consumed from available set on success")
	}
}

func TestUnlockUtxoFailureReleasesWithoutConsuming(t *testing.T) {
	m := newTestManager(t)
	op := OutPoint{TxID: "a", Index: 0}
	m.utxos = map[OutPoint]UTXO{op: {TxID: "a", Index: 0, Value: 10_000, Confs: 1}}

	result, err := m.UTXOForAmount(AmountRequest{Amount: 1000})
	if err != nil {
		t.Fatal(err)
	}
	m.UnlockUtxo(result.UTXOs, false)

	if _, stillLocked := m.locked[op]; stillLocked {
		t.Fatal("expected lock released")
	}
	if _, available := m.utxos[op]; !available {
		t.Fatal("expected UTXO to remain available after failed spend")
	}
}

func TestApplyTransactionCreditsLedgerAndUTXOSet(t *testing.T) {
	m := newTestManager(t)
	w := WatchedAddress{Address: "addr1", Path: hdpath.Path{Purpose: 84}}
	m.watchedByAddr[w.Address] = w
	tx := &provider.TxView{
		TxID:   "tx1",
		Height: 0,
		Outputs: []provider.Output{
			{Address: "addr1", Value: amount.Amount(5000), Index: 0},
		},
	}

	if err := m.applyTransaction(tx); err != nil {
		t.Fatal(err)
	}

	op := OutPoint{TxID: "tx1", Index: 0}
	u, ok := m.utxos[op]
	if !ok {
		t.Fatal("expected output credited to UTXO set")
	}
	if u.Value != 5000 {
		t.Fatalf("got %d want 5000", u.Value)
	}

	entry, err := m.ledger.GetAddress("addr1")
	if err != nil {
		t.Fatal(err)
	}
	if entry.In.Mempool != 5000 {
		t.Fatalf("ledger not credited: %+v", entry.In)
	}
}

func TestApplyTransactionSpendRemovesUTXO(t *testing.T) {
	m := newTestManager(t)
	w := WatchedAddress{Address: "addr1"}
	m.watchedByAddr[w.Address] = w
	op := OutPoint{TxID: "prev", Index: 0}
	m.utxos[op] = UTXO{TxID: "prev", Index: 0, Value: 5000, Address: "addr1"}

	spend := &provider.TxView{
		TxID:   "tx2",
		Height: 0,
		Inputs: []provider.InputDetail{
			{PrevTxID: "prev", PrevIndex: 0, Address: "addr1", Value: 5000},
		},
	}
	if err := m.applyTransaction(spend); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.utxos[op]; ok {
		t.Fatal("expected spent UTXO removed from available set")
	}
}

// TestApplyTransactionMultiAddressWhollyOursAttributesFee exercises a send
// whose inputs are drawn from two distinct watched addresses: the "wholely
// ours" classification (and its fee attribution to the change address) must
// fire against the full watched set, not just one of the spending addresses.
func TestApplyTransactionMultiAddressWhollyOursAttributesFee(t *testing.T) {
	m := newTestManager(t)
	m.watchedByAddr["addr1"] = WatchedAddress{Address: "addr1"}
	m.watchedByAddr["addr2"] = WatchedAddress{Address: "addr2"}
	m.watchedByAddr["change1"] = WatchedAddress{Address: "change1"}

	tx := &provider.TxView{
		TxID:   "tx3",
		Height: 0,
		Inputs: []provider.InputDetail{
			{PrevTxID: "prevA", PrevIndex: 0, Address: "addr1", Value: 60_000},
			{PrevTxID: "prevB", PrevIndex: 0, Address: "addr2", Value: 40_000},
		},
		Outputs: []provider.Output{
			{Address: "external", Value: amount.Amount(90_000), Index: 0},
			{Address: "change1", Value: amount.Amount(9_000), Index: 1},
		},
		Fee: amount.Amount(1000),
	}

	if err := m.applyTransaction(tx); err != nil {
		t.Fatal(err)
	}

	entry, err := m.ledger.GetAddress("change1")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Fee.Mempool != 1000 {
		t.Fatalf("expected fee of 1000 attributed to change address, got %+v", entry.Fee)
	}
}

// TestSyncAccountSecondScanResumesFromGapEnd reproduces the exact sequence
// SyncAccount drives on its walker/hasher/checker across two scans of the
// same chain. The first scan finds index 0 and advances it; resuming the
// second scan from that same found index (rather than GapEnd) would call
// Walker.Advance with a non-increasing index and panic.
func TestSyncAccountSecondScanResumesFromGapEnd(t *testing.T) {
	walker := hdpath.NewWalker(84, 0, 0)
	hasher := func(p hdpath.Path) ([32]byte, string, error) {
		var sh [32]byte
		sh[0] = byte(p.Index + 1)
		return sh, fmt.Sprintf("addr%d", p.Index), nil
	}
	// Only index 0 has history; every later index is empty.
	checker := func(sh [32]byte) (bool, error) {
		return sh[0] == 1, nil
	}

	first, err := walker.Scan(hdpath.ExternalChain, 0, 3, hasher, checker)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Found) != 1 || first.Found[0].Path.Index != 0 {
		t.Fatalf("expected index 0 found, got %+v", first.Found)
	}

	// Resuming from GapEnd (first empty index) must not panic.
	if _, err := walker.Scan(hdpath.ExternalChain, first.GapEnd, 3, hasher, checker); err != nil {
		t.Fatal(err)
	}
}

func TestWatchAddressDedupIsNoOp(t *testing.T) {
	m := newTestManager(t)
	sh := provider.ScriptHash{1, 2, 3}
	m.watchedByHash[sh] = WatchedAddress{ScriptHash: sh, Address: "addr1"}

	// Already-watched hash must return before touching the (nil) provider.
	if err := m.WatchAddress(nil, WatchedAddress{ScriptHash: sh, Address: "addr1"}, hdpath.ExternalChain); err != nil {
		t.Fatalf("expected no-op for already-watched hash, got %v", err)
	}
}
