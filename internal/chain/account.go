package chain

import "time"

// Account-model chains settle through escrow contracts rather than script
// outputs. Their params carry only identity and timing characteristics; the
// escrow surface itself lives behind destchain adapters.
func init() {
	// NEAR Mainnet
	Register("NEAR", Mainnet, &Params{
		Symbol:   "NEAR",
		Name:     "NEAR Protocol",
		Family:   FamilyNear,
		Decimals: 24,

		CoinType:       397,
		DefaultPurpose: 44,

		BlockInterval:    time.Second,
		MinConfirmations: 5,
		Risk:             RiskMedium,
	})

	// NEAR Testnet
	Register("NEAR", Testnet, &Params{
		Symbol:   "NEAR",
		Name:     "NEAR Testnet",
		Family:   FamilyNear,
		Decimals: 24,

		CoinType:       1,
		DefaultPurpose: 44,

		BlockInterval:    time.Second,
		MinConfirmations: 2,
		Risk:             RiskMedium,
	})

	// Cosmos Hub Mainnet
	Register("ATOM", Mainnet, &Params{
		Symbol:   "ATOM",
		Name:     "Cosmos Hub",
		Family:   FamilyCosmos,
		Decimals: 6,

		CoinType:       118,
		DefaultPurpose: 44,

		BlockInterval:    6 * time.Second,
		MinConfirmations: 1,
		Risk:             RiskMedium,
	})

	// Osmosis Mainnet
	Register("OSMO", Mainnet, &Params{
		Symbol:   "OSMO",
		Name:     "Osmosis",
		Family:   FamilyCosmos,
		Decimals: 6,

		CoinType:       118,
		DefaultPurpose: 44,

		BlockInterval:    5 * time.Second,
		MinConfirmations: 1,
		Risk:             RiskHigh,
	})
}
