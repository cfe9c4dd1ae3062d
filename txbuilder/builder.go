package txbuilder

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txrules"

	"decred.org/hdwallet-core/amount"
	"decred.org/hdwallet-core/hdpath"
	"decred.org/hdwallet-core/ledger"
	"decred.org/hdwallet-core/provider"
	"decred.org/hdwallet-core/walleterr"
	"decred.org/hdwallet-core/walletlog"
	"decred.org/hdwallet-core/walletsync"
)

// Config configures a Builder.
type Config struct {
	Provider        *provider.Provider
	Sync            *walletsync.Manager
	Ledger          *ledger.Ledger
	Keys            txauthor.SecretsSource
	ChainParams     *chaincfg.Params
	ChangeSource    ChangeSource
	AddressToScript AddressToScript
	Log             walletlog.Logger
}

// Builder is the Transaction Builder (spec component C7).
type Builder struct {
	provider        *provider.Provider
	sync            *walletsync.Manager
	ledger          *ledger.Ledger
	keys            txauthor.SecretsSource
	chainParams     *chaincfg.Params
	changeSource    ChangeSource
	addressToScript AddressToScript
	log             walletlog.Logger
}

// New constructs a Builder.
func New(cfg Config) *Builder {
	log := cfg.Log
	if log == nil {
		log = walletlog.Disabled
	}
	return &Builder{
		provider:        cfg.Provider,
		sync:            cfg.Sync,
		ledger:          cfg.Ledger,
		keys:            cfg.Keys,
		chainParams:     cfg.ChainParams,
		changeSource:    cfg.ChangeSource,
		addressToScript: cfg.AddressToScript,
		log:             log,
	}
}

func (b *Builder) validate(req SendRequest) error {
	maxFeeRate := req.MaxFeeRate
	if maxFeeRate <= 0 {
		maxFeeRate = DefaultMaxFeeRate
	}
	if req.FeeRate <= 0 || req.FeeRate > maxFeeRate {
		return walleterr.New(walleterr.InvalidFee, fmt.Sprintf("fee_rate %s out of range (0, %s]", req.FeeRate, maxFeeRate))
	}
	if req.Amount <= DustLimit {
		return walleterr.New(walleterr.DustOutput, fmt.Sprintf("send amount %s is below dust limit %s", req.Amount, DustLimit))
	}
	return nil
}

// attempt is one probe or finalize pass: select UTXOs covering amount +
// fee_rate*weight, build the unsigned transaction, and report the change
// that would result.
type attempt struct {
	funding     walletsync.FundingResult
	tx          *wire.MsgTx
	change      amount.Amount
	prevScripts [][]byte
	prevValues  []amount.Amount
}

// Build assembles, signs, and returns a transaction satisfying req, without
// broadcasting it (spec Section 4.7): a probe pass estimates virtual size at
// weight=1, then a finalize pass repeats at the measured vSize.
func (b *Builder) Build(ctx context.Context, req SendRequest) (*BuildResult, error) {
	if err := b.validate(req); err != nil {
		return nil, err
	}

	recipientScript, err := b.addressToScript(req.Address)
	if err != nil {
		return nil, fmt.Errorf("txbuilder: resolve recipient address: %w", err)
	}

	probe, err := b.tryAttempt(req, recipientScript, 1)
	if err != nil {
		return nil, err
	}
	// probe.tx.TxOut already contains the change output (if any), so no
	// additional changeScriptSize is passed here.
	vSize := estimateProbeVSize(probe.funding, probe.tx.TxOut, 0)
	// Release the probe's locks before re-selecting at the measured
	// weight: UTXOForAmount excludes locked candidates, so the finalize
	// pass would otherwise be unable to pick the same (most likely still
	// sufficient) set the probe found.
	b.sync.UnlockUtxo(toUTXOs(probe.funding), false)

	final, err := b.tryAttempt(req, recipientScript, amount.Amount(vSize))
	if err != nil {
		return nil, err
	}

	if err := txauthor.AddAllInputScripts(final.tx, final.prevScripts, toBtcutilAmounts(final.prevValues), b.keys); err != nil {
		b.sync.UnlockUtxo(toUTXOs(final.funding), false)
		return nil, fmt.Errorf("txbuilder: sign inputs: %w", err)
	}

	rawHex, txid, actualVSize, err := serialize(final.tx)
	if err != nil {
		b.sync.UnlockUtxo(toUTXOs(final.funding), false)
		return nil, err
	}

	fee := final.funding.Total - req.Amount - final.change

	return &BuildResult{
		TxID:   txid,
		RawHex: rawHex,
		Fee:    fee,
		VSize:  actualVSize,
		Change: final.change,
		Inputs: spentInputs(final.funding),
	}, nil
}

// tryAttempt runs one probe/finalize pass at the given weight (vBytes
// charged against the fee rate), retrying UTXO selection once with a
// larger target if the resulting change would be dust (spec Section 4.7,
// testable property #6).
func (b *Builder) tryAttempt(req SendRequest, recipientScript []byte, weight amount.Amount) (*attempt, error) {
	fee := amount.MulRate(req.FeeRate, uint64(weight))

	for retry := 0; retry < 2; retry++ {
		funding, err := b.sync.UTXOForAmount(walletsync.AmountRequest{
			Amount: req.Amount + fee,
		})
		if err != nil {
			return nil, err
		}

		change := funding.Total - req.Amount - fee
		if change != 0 && change < DustLimit {
			b.sync.UnlockUtxo(toUTXOs(funding), false)
			if retry == 0 {
				fee += DustLimit
				continue
			}
			return nil, walleterr.New(walleterr.Insufficient, "change would be dust after re-request")
		}

		tx, prevScripts, prevValues, err := b.assemble(funding, req, recipientScript, change)
		if err != nil {
			b.sync.UnlockUtxo(toUTXOs(funding), false)
			return nil, err
		}

		return &attempt{funding: funding, tx: tx, change: change, prevScripts: prevScripts, prevValues: prevValues}, nil
	}
	return nil, walleterr.New(walleterr.Insufficient, "unable to fund transaction without dust change")
}

// assemble builds a PSBT packet from funding's inputs and the
// recipient/change outputs (spec Section 4.7: "Construct a PSBT; add
// inputs with witness-utxo and BIP32 derivation"), returning its unsigned
// transaction alongside the previous scripts/values txauthor needs to sign
// it.
func (b *Builder) assemble(funding walletsync.FundingResult, req SendRequest, recipientScript []byte, change amount.Amount) (*wire.MsgTx, [][]byte, []amount.Amount, error) {
	outPoints := make([]*wire.OutPoint, len(funding.UTXOs))
	sequences := make([]uint32, len(funding.UTXOs))
	var prevScripts [][]byte
	var prevValues []amount.Amount
	for i, u := range funding.UTXOs {
		hash, err := chainhashFromHex(u.TxID)
		if err != nil {
			return nil, nil, nil, err
		}
		outPoints[i] = wire.NewOutPoint(hash, u.Index)
		sequences[i] = wire.MaxTxInSequenceNum
		script, err := hex.DecodeString(u.WitnessHex)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("txbuilder: decode prevout script for %s:%d: %w", u.TxID, u.Index, err)
		}
		prevScripts = append(prevScripts, script)
		prevValues = append(prevValues, u.Value)
	}

	outputs := []*wire.TxOut{wire.NewTxOut(int64(req.Amount), recipientScript)}
	if change != 0 {
		_, changeScript, _, err := b.changeSource()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("txbuilder: mint change address: %w", err)
		}
		if txrules.IsDustAmount(toBtcutilAmount(change), len(changeScript), txrules.DefaultRelayFeePerKb) {
			return nil, nil, nil, walleterr.New(walleterr.DustOutput, "computed change output is dust")
		}
		outputs = append(outputs, wire.NewTxOut(int64(change), changeScript))
	}

	pkt, err := psbt.New(outPoints, outputs, wire.TxVersion, 0, sequences)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("txbuilder: create psbt: %w", err)
	}
	for i, script := range prevScripts {
		pkt.Inputs[i].WitnessUtxo = wire.NewTxOut(int64(prevValues[i]), script)
		u := funding.UTXOs[i]
		if len(u.AddressPublicKey) == 0 {
			continue
		}
		// ParsePubKey both validates the Key Manager's supplied encoding
		// and normalizes it to the 33-byte compressed form the PSBT
		// BIP32_DERIVATION field expects.
		pub, err := btcec.ParsePubKey(u.AddressPublicKey)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("txbuilder: parse public key for %s:%d: %w", u.TxID, u.Index, err)
		}
		pkt.Inputs[i].Bip32Derivation = append(pkt.Inputs[i].Bip32Derivation, &psbt.Bip32Derivation{
			PubKey:    pub.SerializeCompressed(),
			Bip32Path: bip32DerivationPath(u.AddressPath),
		})
	}

	return pkt.UnsignedTx, prevScripts, prevValues, nil
}

// bip32DerivationPath renders p as the BIP32_DERIVATION field's index list,
// hardening the purpose/coin/account levels per BIP44/49/84/86.
func bip32DerivationPath(p hdpath.Path) []uint32 {
	const hardened = 1 << 31
	return []uint32{
		p.Purpose | hardened,
		p.Coin | hardened,
		p.Account | hardened,
		uint32(p.Change),
		p.Index,
	}
}

// Broadcast submits a previously built transaction's raw hex through the
// Provider, releasing or consuming the builder's UTXO locks on the outcome
// (spec Section 4.7 "Broadcast").
func (b *Builder) Broadcast(ctx context.Context, result *BuildResult) (string, error) {
	utxos := make([]walletsync.UTXO, len(result.Inputs))
	for i, in := range result.Inputs {
		utxos[i] = walletsync.UTXO{TxID: in.TxID, Index: in.Index}
	}

	txid, err := b.provider.BroadcastTransaction(ctx, result.RawHex)
	if err != nil {
		b.sync.UnlockUtxo(utxos, false)
		return "", err
	}
	b.sync.UnlockUtxo(utxos, true)

	view, viewErr := b.provider.GetTransaction(ctx, txid, provider.TxOptions{NoCache: true})
	if viewErr == nil {
		if err := b.ledger.RecordBroadcast(view); err != nil {
			b.log.Errorf("txbuilder: record broadcast of %s: %v", txid, err)
		}
	}

	return txid, nil
}
