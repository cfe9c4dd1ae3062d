package hdpath

import "fmt"

// DefaultGapLimit is the default number of consecutive unused addresses
// tolerated before a chain is considered exhausted.
const DefaultGapLimit = 20

// ScriptHasher derives the script hash and encoded address for a path. It
// is the seam to the external Key Manager (spec Section 6); hdpath never
// touches key material itself.
type ScriptHasher func(p Path) (scriptHash [32]byte, address string, err error)

// HistoryChecker reports whether a script hash has any on-chain history.
// It is the seam to the Provider.
type HistoryChecker func(scriptHash [32]byte) (bool, error)

// FoundAddress is a non-empty address discovered during a scan.
type FoundAddress struct {
	Path       Path
	ScriptHash [32]byte
	Address    string
}

// ScanResult summarizes a completed gap-limit scan.
type ScanResult struct {
	Chain   Chain
	Found   []FoundAddress
	// GapEnd is the first index of the trailing empty run: persisting it
	// lets a future scan resume instead of rescanning from the start.
	GapEnd uint32
}

// Scan walks chain ch starting at startIndex, deriving a path and script
// hash for each index and querying history through checker. It stops once
// the empty-run counter reaches gapLimit (or DefaultGapLimit if <= 0),
// recording the first address of the trailing empty run as GapEnd. Every
// non-empty index encountered is advanced on the Walker, so a rescan that
// meets a non-empty index at or below the Walker's last advanced index
// panics (see Advance).
func (w *Walker) Scan(ch Chain, startIndex uint32, gapLimit int, hasher ScriptHasher, checker HistoryChecker) (ScanResult, error) {
	if gapLimit <= 0 {
		gapLimit = DefaultGapLimit
	}

	result := ScanResult{Chain: ch}
	emptyRun := 0
	i := startIndex

	for {
		p := Path{Purpose: w.purpose, Coin: w.coin, Account: w.account, Change: ch, Index: i}
		scriptHash, addr, err := hasher(p)
		if err != nil {
			return result, fmt.Errorf("hdpath: derive script hash for %s: %w", p, err)
		}
		hasHistory, err := checker(scriptHash)
		if err != nil {
			return result, fmt.Errorf("hdpath: query history for %s: %w", p, err)
		}

		if hasHistory {
			emptyRun = 0
			result.Found = append(result.Found, FoundAddress{Path: p, ScriptHash: scriptHash, Address: addr})
			w.Advance(ch, i)
		} else {
			if emptyRun == 0 {
				result.GapEnd = i
			}
			emptyRun++
			if emptyRun >= gapLimit {
				break
			}
		}
		i++
	}

	return result, nil
}
