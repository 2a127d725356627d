package chain

import "time"

func init() {
	// Ethereum Mainnet (chainID 1)
	Register("ETH", Mainnet, &Params{
		Symbol:      "ETH",
		Name:        "Ethereum",
		Family:      FamilyEVM,
		Decimals:    18,
		NativeToken: "ETH",

		CoinType:       60,
		DefaultPurpose: 44,

		ChainID: 1,

		BlockInterval:    12 * time.Second,
		MinConfirmations: 12,
		Risk:             RiskLow,
	})

	// Ethereum Sepolia Testnet (chainID 11155111)
	Register("ETH", Testnet, &Params{
		Symbol:      "ETH",
		Name:        "Ethereum Sepolia",
		Family:      FamilyEVM,
		Decimals:    18,
		NativeToken: "ETH",

		CoinType:       60,
		DefaultPurpose: 44,

		ChainID: 11155111,

		BlockInterval:    12 * time.Second,
		MinConfirmations: 3,
		Risk:             RiskLow,
	})

	// Base Mainnet (chainID 8453)
	Register("BASE", Mainnet, &Params{
		Symbol:      "BASE",
		Name:        "Base",
		Family:      FamilyEVM,
		Decimals:    18,
		NativeToken: "ETH",

		CoinType:       60,
		DefaultPurpose: 44,

		ChainID: 8453,

		BlockInterval:    2 * time.Second,
		MinConfirmations: 30,
		Risk:             RiskMedium,
	})

	// BNB Smart Chain Mainnet (chainID 56)
	Register("BSC", Mainnet, &Params{
		Symbol:      "BSC",
		Name:        "BNB Smart Chain",
		Family:      FamilyEVM,
		Decimals:    18,
		NativeToken: "BNB",

		CoinType:       60,
		DefaultPurpose: 44,

		ChainID: 56,

		BlockInterval:    3 * time.Second,
		MinConfirmations: 15,
		Risk:             RiskMedium,
	})
}
