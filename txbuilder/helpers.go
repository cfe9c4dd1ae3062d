package txbuilder

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txsizes"

	"decred.org/hdwallet-core/amount"
	"decred.org/hdwallet-core/hdpath"
	"decred.org/hdwallet-core/walletsync"
)

// estimateProbeVSize gives a pre-signature virtual size estimate for the
// probe pass, classifying each candidate input by the address type its
// derivation path implies. An unsigned wire.MsgTx understates segwit
// inputs (their witness is still empty), so the probe pass uses
// txsizes.EstimateVirtualSize's worst-case per-type weights rather than
// tx.SerializeSize directly.
func estimateProbeVSize(funding walletsync.FundingResult, outputs []*wire.TxOut, changeScriptSize int) int {
	var p2pkh, p2tr, p2wpkh, nestedP2wpkh int
	for _, u := range funding.UTXOs {
		switch hdpath.GetAddressType(u.AddressPath.Purpose) {
		case hdpath.P2TR:
			p2tr++
		case hdpath.P2WPKH:
			p2wpkh++
		case hdpath.P2SHP2WPKH:
			nestedP2wpkh++
		default:
			p2pkh++
		}
	}
	return txsizes.EstimateVirtualSize(p2pkh, p2tr, p2wpkh, nestedP2wpkh, outputs, changeScriptSize)
}

// estimateVSize computes the virtual size of tx per BIP141: weight =
// 3*strippedSize + totalSize, vSize = ceil(weight/4). Matches
// btcsuite/btcd/blockchain.GetTransactionWeight's formula; reimplemented
// here directly against wire.MsgTx to avoid importing the full blockchain
// package for one arithmetic helper.
func estimateVSize(tx *wire.MsgTx) int64 {
	stripped := tx.SerializeSizeStripped()
	total := tx.SerializeSize()
	weight := stripped*3 + total
	return int64((weight + 3) / 4)
}

func serialize(tx *wire.MsgTx) (rawHex, txid string, vSize int64, err error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", "", 0, fmt.Errorf("txbuilder: serialize transaction: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), tx.TxHash().String(), estimateVSize(tx), nil
}

func chainhashFromHex(txid string) (*chainhash.Hash, error) {
	h, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, fmt.Errorf("txbuilder: invalid txid %q: %w", txid, err)
	}
	return h, nil
}

func toUTXOs(f walletsync.FundingResult) []walletsync.UTXO {
	return f.UTXOs
}

func toBtcutilAmount(a amount.Amount) btcutil.Amount {
	return btcutil.Amount(int64(a))
}

func toBtcutilAmounts(as []amount.Amount) []btcutil.Amount {
	out := make([]btcutil.Amount, len(as))
	for i, a := range as {
		out[i] = toBtcutilAmount(a)
	}
	return out
}

func spentInputs(f walletsync.FundingResult) []SpentInput {
	out := make([]SpentInput, len(f.UTXOs))
	for i, u := range f.UTXOs {
		out[i] = SpentInput{TxID: u.TxID, Index: u.Index}
	}
	return out
}
