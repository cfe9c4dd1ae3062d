package provider

import "decred.org/hdwallet-core/amount"

const (
	baseSubsidy              = 50 * amount.SatoshiPerBitcoin
	subsidyHalvingInterval   = 210000
)

// CalcBlockSubsidy returns the block reward at height, starting at 50 coins
// and halving every 210,000 blocks, matching btcd's
// blockchain.CalcBlockSubsidy but fixed to Bitcoin's halving interval
// (spec Section 4.3 / Design Note "Coinbase fee handling").
func CalcBlockSubsidy(height int64) amount.Amount {
	if height < 0 {
		height = 0
	}
	shift := uint(height / subsidyHalvingInterval)
	if shift >= 64 {
		return 0
	}
	return amount.Amount(int64(baseSubsidy) >> shift)
}
