package provider

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"decred.org/hdwallet-core/amount"
	"decred.org/hdwallet-core/electrum"
	"decred.org/hdwallet-core/electrum/cache"
	"decred.org/hdwallet-core/walleterr"
	"decred.org/hdwallet-core/walletlog"
)

// ScriptHash is a 32-byte digest identifying an output script, the
// Electrum subscription key (spec Section 3).
type ScriptHash [32]byte

// ScriptHashHex renders a ScriptHash in the byte-reversed hex encoding the
// Electrum wire protocol expects.
func ScriptHashHex(sh ScriptHash) string {
	rev := make([]byte, len(sh))
	for i, b := range sh {
		rev[len(sh)-1-i] = b
	}
	return hex.EncodeToString(rev)
}

// ScriptToAddressFunc resolves a scriptPubKey (hex-encoded) to an encoded
// address. It is the seam to the external, network-specific address
// encoder (spec Section 1 Out of scope); a false ok means the script carried
// no extractable address (non-standard, OP_RETURN, bare multisig).
type ScriptToAddressFunc func(pkScriptHex string) (address string, ok bool, err error)

// TxOptions controls per-call cache behavior.
type TxOptions struct {
	// NoCache, when true, forces a fetch bypassing the Request Cache. The
	// zero value uses the cache.
	NoCache bool
}

// Config configures a Provider.
type Config struct {
	Conn         *electrum.Conn
	Cache        *cache.Cache
	ScriptToAddr ScriptToAddressFunc
	Log          walletlog.Logger
}

// Provider is the typed Electrum facade (spec component C3).
type Provider struct {
	conn         *electrum.Conn
	cache        *cache.Cache
	scriptToAddr ScriptToAddressFunc
	log          walletlog.Logger

	heightMu sync.RWMutex
	height   int64

	blockSubsMu sync.Mutex
	blockSubs   []chan int64

	statusSubsMu sync.Mutex
	statusSubs   []chan StatusObservation
	tipWatchOnce sync.Once

	addrSubsMu sync.Mutex
	addrSubs   map[ScriptHash][]chan ScriptHashUpdate

	inflightMu sync.Mutex
	inflight   map[string]*inflightFetch
}

// ScriptHashUpdate is delivered on a subscribeToAddress stream: a
// blockchain.scripthash.subscribe push, carrying the new status hash.
type ScriptHashUpdate struct {
	ScriptHash ScriptHash
	Status     *string
}

// StatusKind classifies a health observation surfaced alongside ordinary
// height updates on the blocks subscription.
type StatusKind int

const (
	// StaleTip reports that the height observed via SubscribeToBlocks has
	// not advanced for staleTipThreshold consecutive ticks.
	StaleTip StatusKind = iota
)

// StatusObservation is a server health event delivered on the channel
// returned by Status.
type StatusObservation struct {
	Kind             StatusKind
	Height           int64
	ConsecutiveStale int
}

const (
	// staleTipTick mirrors the teacher's electrumBlockTick polling
	// interval for comparing the observed tip against its prior value.
	staleTipTick      = 5 * time.Second
	staleTipThreshold = 3
)

type inflightFetch struct {
	done chan struct{}
	view *TxView
	err  error
}

// New constructs a Provider over an already-connected electrum.Conn.
func New(cfg Config) *Provider {
	log := cfg.Log
	if log == nil {
		log = walletlog.Disabled
	}
	return &Provider{
		conn:         cfg.Conn,
		cache:        cfg.Cache,
		scriptToAddr: cfg.ScriptToAddr,
		log:          log,
		addrSubs:     make(map[ScriptHash][]chan ScriptHashUpdate),
		inflight:     make(map[string]*inflightFetch),
	}
}

// CurrentHeight returns the last height observed via subscribeToBlocks.
func (p *Provider) CurrentHeight() int64 {
	p.heightMu.RLock()
	defer p.heightMu.RUnlock()
	return p.height
}

func (p *Provider) setHeight(h int64) {
	p.heightMu.Lock()
	p.height = h
	p.heightMu.Unlock()
}

// SubscribeToBlocks subscribes to blockchain.headers.subscribe, returning
// the current height and a channel on which every subsequent push (and the
// initial height) is delivered as a new-block event.
func (p *Provider) SubscribeToBlocks(ctx context.Context) (int64, <-chan int64, error) {
	var initial electrum.HeadersSubscribeResult
	pushes, err := p.conn.Subscribe(ctx, "blockchain.headers.subscribe", nil, &initial)
	if err != nil {
		return 0, nil, err
	}
	p.setHeight(initial.Height)

	out := make(chan int64, 16)
	p.blockSubsMu.Lock()
	p.blockSubs = append(p.blockSubs, out)
	p.blockSubsMu.Unlock()

	go func() {
		for raw := range pushes {
			h, err := parseHeaderPush(raw)
			if err != nil {
				p.log.Warnf("subscribeToBlocks: %v", err)
				continue
			}
			p.setHeight(h)
			p.broadcastBlock(h)
		}
	}()

	p.tipWatchOnce.Do(func() { go p.watchTip(ctx) })

	// Deliver the initial height as the first new-block event too, so a
	// caller only has to listen on one channel.
	select {
	case out <- initial.Height:
	default:
	}

	return initial.Height, out, nil
}

func (p *Provider) broadcastBlock(h int64) {
	p.blockSubsMu.Lock()
	defer p.blockSubsMu.Unlock()
	for _, ch := range p.blockSubs {
		select {
		case ch <- h:
		default:
		}
	}
}

// Status returns a channel on which server health observations (currently
// just StaleTip) are delivered. Must be called after SubscribeToBlocks has
// started the tip watcher; a caller that never subscribes to blocks never
// receives anything on this channel.
func (p *Provider) Status() <-chan StatusObservation {
	out := make(chan StatusObservation, 4)
	p.statusSubsMu.Lock()
	p.statusSubs = append(p.statusSubs, out)
	p.statusSubsMu.Unlock()
	return out
}

func (p *Provider) broadcastStatus(s StatusObservation) {
	p.statusSubsMu.Lock()
	defer p.statusSubsMu.Unlock()
	for _, ch := range p.statusSubs {
		select {
		case ch <- s:
		default:
		}
	}
}

// watchTip polls the height observed via the headers subscription every
// staleTipTick and surfaces a StaleTip observation once it has failed to
// advance for staleTipThreshold consecutive ticks, the push-subscription
// analogue of the teacher's watchBlocks polling loop.
func (p *Provider) watchTip(ctx context.Context) {
	ticker := time.NewTicker(staleTipTick)
	defer ticker.Stop()

	lastHeight := p.CurrentHeight()
	var consecutiveStale int

	for {
		select {
		case <-ticker.C:
			h := p.CurrentHeight()
			if h == lastHeight {
				consecutiveStale++
				if consecutiveStale >= staleTipThreshold {
					p.broadcastStatus(StatusObservation{
						Kind:             StaleTip,
						Height:           h,
						ConsecutiveStale: consecutiveStale,
					})
				}
				continue
			}
			lastHeight = h
			consecutiveStale = 0
		case <-ctx.Done():
			return
		}
	}
}

func parseHeaderPush(raw json.RawMessage) (int64, error) {
	// The params of a headers.subscribe push are a one-element array.
	var arr []electrum.HeadersSubscribeResult
	if err := json.Unmarshal(raw, &arr); err == nil && len(arr) > 0 {
		return arr[0].Height, nil
	}
	var single electrum.HeadersSubscribeResult
	if err := json.Unmarshal(raw, &single); err != nil {
		return 0, fmt.Errorf("parse headers push: %w", err)
	}
	return single.Height, nil
}

// SubscribeToAddress registers a subscription for scriptHash. A script hash
// is subscribed at most once per spec invariant; calling this twice for the
// same hash returns the same backing stream semantics but is the caller's
// responsibility to avoid (walletsync tracks its watched-hash lists for
// this reason).
func (p *Provider) SubscribeToAddress(ctx context.Context, sh ScriptHash) (<-chan ScriptHashUpdate, error) {
	hexHash := ScriptHashHex(sh)
	var initialStatus *string
	pushes, err := p.conn.Subscribe(ctx, "blockchain.scripthash.subscribe",
		positional{hexHash}, &initialStatus)
	if err != nil {
		return nil, err
	}

	out := make(chan ScriptHashUpdate, 8)
	p.addrSubsMu.Lock()
	p.addrSubs[sh] = append(p.addrSubs[sh], out)
	p.addrSubsMu.Unlock()

	go func() {
		for raw := range pushes {
			// params: [scripthash, status]
			var params []json.RawMessage
			if err := json.Unmarshal(raw, &params); err != nil || len(params) < 2 {
				p.log.Warnf("subscribeToAddress: malformed push: %v", err)
				continue
			}
			// Every scripthash push reaches every address stream; keep only
			// the ones for this script hash.
			var pushedHash string
			if err := json.Unmarshal(params[0], &pushedHash); err != nil || pushedHash != hexHash {
				continue
			}
			var status *string
			if err := json.Unmarshal(params[1], &status); err != nil {
				p.log.Warnf("subscribeToAddress: malformed status: %v", err)
				continue
			}
			out <- ScriptHashUpdate{ScriptHash: sh, Status: status}
		}
	}()

	if initialStatus != nil {
		select {
		case out <- ScriptHashUpdate{ScriptHash: sh, Status: initialStatus}:
		default:
		}
	}

	return out, nil
}

type positional []interface{}

// GetAddressHistory fetches the confirmed history for scriptHash, then
// fetches each referenced transaction in parallel.
func (p *Provider) GetAddressHistory(ctx context.Context, sh ScriptHash, opts TxOptions) ([]*TxView, error) {
	var entries []electrum.HistoryEntry
	if err := p.conn.Request(ctx, "blockchain.scripthash.get_history", positional{ScriptHashHex(sh)}, &entries); err != nil {
		return nil, err
	}
	return p.fetchAll(ctx, entries, opts)
}

// GetMempoolTx fetches the mempool history for scriptHash and resolves
// each referenced transaction.
func (p *Provider) GetMempoolTx(ctx context.Context, sh ScriptHash, opts TxOptions) ([]*TxView, error) {
	var entries []electrum.HistoryEntry
	if err := p.conn.Request(ctx, "blockchain.scripthash.get_mempool", positional{ScriptHashHex(sh)}, &entries); err != nil {
		return nil, err
	}
	return p.fetchAll(ctx, entries, opts)
}

func (p *Provider) fetchAll(ctx context.Context, entries []electrum.HistoryEntry, opts TxOptions) ([]*TxView, error) {
	views := make([]*TxView, len(entries))
	errs := make([]error, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func(i int, txid string) {
			defer wg.Done()
			v, err := p.GetTransaction(ctx, txid, opts)
			views[i] = v
			errs[i] = err
		}(i, e.TxHash)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return views, nil
}

// GetBalance fetches the aggregate confirmed/unconfirmed balance of
// scriptHash directly from the server (blockchain.scripthash.get_balance),
// without walking history.
func (p *Provider) GetBalance(ctx context.Context, sh ScriptHash) (confirmed, unconfirmed amount.Amount, err error) {
	var res electrum.BalanceResult
	if err := p.conn.Request(ctx, "blockchain.scripthash.get_balance", positional{ScriptHashHex(sh)}, &res); err != nil {
		return 0, 0, err
	}
	return amount.Amount(res.Confirmed), amount.Amount(res.Unconfirmed), nil
}

// BroadcastTransaction forwards a raw signed transaction to the server.
func (p *Provider) BroadcastTransaction(ctx context.Context, hexTx string) (txid string, err error) {
	if err := p.conn.Request(ctx, "blockchain.transaction.broadcast", positional{hexTx}, &txid); err != nil {
		return "", walleterr.New(walleterr.BroadcastFailed, err.Error())
	}
	return txid, nil
}

// GetTransaction fetches and assembles the normalized view of txid,
// per spec Section 4.3's assembly algorithm. Concurrent calls for the same
// txid are coalesced into a single in-flight fetch (spec testable property
// #5): only the first caller issues the underlying request chain, and all
// callers observe the same resulting view.
func (p *Provider) GetTransaction(ctx context.Context, txid string, opts TxOptions) (*TxView, error) {
	if !opts.NoCache && p.cache != nil {
		if raw, ok := p.cache.Get(txid); ok {
			var v TxView
			if err := json.Unmarshal(raw, &v); err == nil {
				// Reuse rule: a cached view with height 0 must never be
				// served, since the transaction may yet confirm.
				if v.Height != 0 {
					return &v, nil
				}
			}
		}
	}

	p.inflightMu.Lock()
	if f, ok := p.inflight[txid]; ok {
		p.inflightMu.Unlock()
		<-f.done
		return f.view, f.err
	}
	f := &inflightFetch{done: make(chan struct{})}
	p.inflight[txid] = f
	p.inflightMu.Unlock()

	f.view, f.err = p.fetchTransaction(ctx, txid, opts)
	close(f.done)

	p.inflightMu.Lock()
	delete(p.inflight, txid)
	p.inflightMu.Unlock()

	if f.err == nil && p.cache != nil {
		if b, err := json.Marshal(f.view); err == nil {
			var expiry time.Time
			if f.view.Height != 0 {
				expiry = time.Now().Add(cache.DefaultTimeout)
			} else {
				// Mempool views are cached with an immediate-ish expiry so
				// a retry shortly after still refetches; the Provider
				// never serves a height==0 entry back out regardless.
				expiry = time.Now().Add(5 * time.Second)
			}
			p.cache.Set(txid, b, expiry)
		}
	}

	return f.view, f.err
}

func (p *Provider) fetchTransaction(ctx context.Context, txid string, opts TxOptions) (*TxView, error) {
	var raw electrum.RawTransactionResult
	if err := p.conn.Request(ctx, "blockchain.transaction.get", positional{txid, true}, &raw); err != nil {
		return nil, err
	}

	height := int64(0)
	if raw.Confirmations > 0 {
		height = p.CurrentHeight() - int64(raw.Confirmations-1)
	}

	view := &TxView{
		TxID:   raw.TxID,
		Height: height,
		StdOut: make([]bool, len(raw.Vout)),
		StdIn:  make([]bool, len(raw.Vin)),
	}

	var sumOut amount.Amount
	for i, vout := range raw.Vout {
		addr, ok, err := p.scriptToAddr(vout.PkScript.Hex)
		if err != nil {
			return nil, fmt.Errorf("resolve output %d of %s: %w", i, txid, err)
		}
		view.StdOut[i] = ok
		if !ok {
			continue
		}
		val, err := amount.NewFromFloat(vout.Value, amount.UnitBTC)
		if err != nil {
			return nil, err
		}
		sumOut += val
		view.Outputs = append(view.Outputs, Output{
			Address:    addr,
			Value:      val,
			WitnessHex: vout.PkScript.Hex,
			Index:      vout.N,
			TxID:       raw.TxID,
			Height:     height,
		})
	}

	var sumIn amount.Amount
	for i, vin := range raw.Vin {
		if vin.Coinbase != "" {
			view.StdIn[i] = true
			reward := CalcBlockSubsidy(height - 1)
			sumIn += reward
			view.Inputs = append(view.Inputs, InputDetail{Coinbase: true, Value: reward})
			continue
		}

		prev, err := p.GetTransaction(ctx, vin.TxID, opts)
		if err != nil {
			return nil, fmt.Errorf("resolve input %d of %s (prev %s): %w", i, txid, vin.TxID, err)
		}
		var prevOut *Output
		for j := range prev.Outputs {
			if prev.Outputs[j].Index == vin.Vout {
				prevOut = &prev.Outputs[j]
				break
			}
		}
		if prevOut == nil {
			view.StdIn[i] = false
			continue
		}
		view.StdIn[i] = true
		sumIn += prevOut.Value
		view.Inputs = append(view.Inputs, InputDetail{
			PrevTxID:     vin.TxID,
			PrevIndex:    vin.Vout,
			PrevTxHeight: prev.Height,
			Value:        prevOut.Value,
			Address:      prevOut.Address,
		})
		if prev.Height == 0 {
			view.UnconfirmedInputs = append(view.UnconfirmedInputs, fmt.Sprintf("%s:%d", vin.TxID, vin.Vout))
		}
	}

	if sumIn == 0 {
		view.Fee = 0
	} else {
		view.Fee = sumIn - sumOut
	}

	return view, nil
}
