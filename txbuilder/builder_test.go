package txbuilder

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"

	"decred.org/hdwallet-core/amount"
	"decred.org/hdwallet-core/hdpath"
	"decred.org/hdwallet-core/walletsync"
)

func TestValidateRejectsZeroFeeRate(t *testing.T) {
	b := New(Config{})
	err := b.validate(SendRequest{Address: "addr", Amount: 10_000, FeeRate: 0})
	if err == nil {
		t.Fatal("expected error for zero fee rate")
	}
}

func TestValidateRejectsFeeRateAboveMax(t *testing.T) {
	b := New(Config{})
	err := b.validate(SendRequest{Address: "addr", Amount: 10_000, FeeRate: DefaultMaxFeeRate + 1})
	if err == nil {
		t.Fatal("expected error for fee rate above max")
	}
}

func TestValidateRejectsDustAmount(t *testing.T) {
	b := New(Config{})
	err := b.validate(SendRequest{Address: "addr", Amount: DustLimit, FeeRate: 10})
	if err == nil {
		t.Fatal("expected error for dust send amount")
	}
}

func TestValidateAcceptsReasonableRequest(t *testing.T) {
	b := New(Config{})
	err := b.validate(SendRequest{Address: "addr", Amount: 50_000, FeeRate: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestToBtcutilAmount(t *testing.T) {
	if got := toBtcutilAmount(amount.Amount(12345)); int64(got) != 12345 {
		t.Fatalf("got %d want 12345", got)
	}
}

func TestToBtcutilAmounts(t *testing.T) {
	got := toBtcutilAmounts([]amount.Amount{1, 2, 3})
	if len(got) != 3 || int64(got[1]) != 2 {
		t.Fatalf("unexpected conversion: %+v", got)
	}
}

func TestChainhashFromHexInvalid(t *testing.T) {
	if _, err := chainhashFromHex("not-a-txid"); err == nil {
		t.Fatal("expected error for invalid txid")
	}
}

func TestChainhashFromHexValid(t *testing.T) {
	if _, err := chainhashFromHex(testTxid(0x11)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEstimateVSizeNoWitness(t *testing.T) {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 0}, SignatureScript: make([]byte, 107)})
	tx.AddTxOut(wire.NewTxOut(1000, make([]byte, 25)))

	// With no witness data, stripped size equals total size, so vSize ==
	// SerializeSize exactly (weight = 4*size, vSize = weight/4).
	want := int64(tx.SerializeSize())
	if got := estimateVSize(tx); got != want {
		t.Fatalf("got %d want %d", got, want)
	}
}

func TestSpentInputsMirrorsFunding(t *testing.T) {
	funding := walletsync.FundingResult{
		UTXOs: []walletsync.UTXO{
			{TxID: "a", Index: 1},
			{TxID: "b", Index: 2},
		},
	}
	got := spentInputs(funding)
	if len(got) != 2 || got[0].TxID != "a" || got[1].Index != 2 {
		t.Fatalf("unexpected spent inputs: %+v", got)
	}
}

func testTxid(b byte) string {
	bs := make([]byte, 32)
	for i := range bs {
		bs[i] = b
	}
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 64)
	for i, x := range bs {
		out[i*2] = hexDigits[x>>4]
		out[i*2+1] = hexDigits[x&0xf]
	}
	return string(out)
}

func newAssembleBuilder(t *testing.T) *Builder {
	t.Helper()
	changeScript := append([]byte{0x00, 0x14}, make([]byte, 20)...)
	return New(Config{
		ChangeSource: func() (string, []byte, hdpath.Path, error) {
			return "changeaddr", changeScript, hdpath.Path{}, nil
		},
	})
}

func TestAssembleBuildsTransactionWithChange(t *testing.T) {
	b := newAssembleBuilder(t)
	recipientScript := append([]byte{0x00, 0x14}, make([]byte, 20)...)
	funding := walletsync.FundingResult{
		UTXOs: []walletsync.UTXO{
			{TxID: testTxid(0xaa), Index: 0, Value: 100_000, WitnessHex: "0014" + "0000000000000000000000000000000000000000"},
		},
		Total: 100_000,
	}
	req := SendRequest{Address: "recipient", Amount: 50_000, FeeRate: 1}

	tx, prevScripts, prevValues, err := b.assemble(funding, req, recipientScript, 49_000)
	if err != nil {
		t.Fatal(err)
	}
	if len(tx.TxIn) != 1 {
		t.Fatalf("expected 1 input, got %d\n%s", len(tx.TxIn), spew.Sdump(tx))
	}
	if len(tx.TxOut) != 2 {
		t.Fatalf("expected recipient+change outputs, got %d\n%s", len(tx.TxOut), spew.Sdump(tx))
	}
	if tx.TxOut[0].Value != 50_000 {
		t.Fatalf("got recipient value %d want 50000", tx.TxOut[0].Value)
	}
	if tx.TxOut[1].Value != 49_000 {
		t.Fatalf("got change value %d want 49000", tx.TxOut[1].Value)
	}
	if len(prevScripts) != 1 || len(prevValues) != 1 {
		t.Fatalf("expected one prevScript/prevValue pair, got %d/%d", len(prevScripts), len(prevValues))
	}
}

func TestAssembleNoChangeOutputWhenZero(t *testing.T) {
	b := newAssembleBuilder(t)
	recipientScript := append([]byte{0x00, 0x14}, make([]byte, 20)...)
	funding := walletsync.FundingResult{
		UTXOs: []walletsync.UTXO{
			{TxID: testTxid(0xbb), Index: 0, Value: 50_000, WitnessHex: "0014" + "0000000000000000000000000000000000000000"},
		},
		Total: 50_000,
	}
	req := SendRequest{Address: "recipient", Amount: 50_000, FeeRate: 1}

	tx, _, _, err := b.assemble(funding, req, recipientScript, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(tx.TxOut) != 1 {
		t.Fatalf("expected only recipient output when change is zero, got %d", len(tx.TxOut))
	}
}

func TestAssembleRejectsInvalidPublicKey(t *testing.T) {
	b := newAssembleBuilder(t)
	recipientScript := append([]byte{0x00, 0x14}, make([]byte, 20)...)
	funding := walletsync.FundingResult{
		UTXOs: []walletsync.UTXO{
			{
				TxID:             testTxid(0xdd),
				Index:            0,
				Value:            50_000,
				WitnessHex:       "0014" + "0000000000000000000000000000000000000000",
				AddressPublicKey: []byte{0x01, 0x02, 0x03},
			},
		},
		Total: 50_000,
	}
	req := SendRequest{Address: "recipient", Amount: 50_000, FeeRate: 1}

	if _, _, _, err := b.assemble(funding, req, recipientScript, 0); err == nil {
		t.Fatal("expected malformed public key to be rejected")
	}
}

func TestBip32DerivationPathHardensAccountLevels(t *testing.T) {
	p := hdpath.Path{Purpose: hdpath.PurposeBIP84, Coin: 0, Account: 2, Change: hdpath.InternalChain, Index: 7}
	got := bip32DerivationPath(p)
	want := []uint32{hdpath.PurposeBIP84 | 1<<31, 0 | 1<<31, 2 | 1<<31, uint32(hdpath.InternalChain), 7}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestAssembleRejectsDustChange(t *testing.T) {
	b := newAssembleBuilder(t)
	recipientScript := append([]byte{0x00, 0x14}, make([]byte, 20)...)
	funding := walletsync.FundingResult{
		UTXOs: []walletsync.UTXO{
			{TxID: testTxid(0xcc), Index: 0, Value: 50_100, WitnessHex: "0014" + "0000000000000000000000000000000000000000"},
		},
		Total: 50_100,
	}
	req := SendRequest{Address: "recipient", Amount: 50_000, FeeRate: 1}

	// change=100 is well under the dust threshold for a P2WPKH output.
	if _, _, _, err := b.assemble(funding, req, recipientScript, 100); err == nil {
		t.Fatal("expected dust change to be rejected")
	}
}
