package chain

import "time"

func init() {
	// Bitcoin Mainnet
	Register("BTC", Mainnet, &Params{
		Symbol:   "BTC",
		Name:     "Bitcoin",
		Family:   FamilyUTXO,
		Decimals: 8,

		// BIP44 coin type 0, BIP84 for native SegWit
		CoinType:       0,
		DefaultPurpose: 84,

		PubKeyHashAddrID: 0x00, // 1...
		ScriptHashAddrID: 0x05, // 3...
		Bech32HRP:        "bc",
		WIF:              0x80,
		HDPrivateKeyID:   [4]byte{0x04, 0x88, 0xad, 0xe4}, // xprv
		HDPublicKeyID:    [4]byte{0x04, 0x88, 0xb2, 0x1e}, // xpub

		BlockInterval:    10 * time.Minute,
		MinConfirmations: 2,
		DefaultFeeRate:   10,
		MaxFeeRate:       500,
		Risk:             RiskLow,
	})

	// Bitcoin Testnet (testnet3)
	Register("BTC", Testnet, &Params{
		Symbol:   "BTC",
		Name:     "Bitcoin Testnet",
		Family:   FamilyUTXO,
		Decimals: 8,

		// Testnet uses coin type 1 for all coins
		CoinType:       1,
		DefaultPurpose: 84,

		PubKeyHashAddrID: 0x6F, // m or n
		ScriptHashAddrID: 0xC4, // 2...
		Bech32HRP:        "tb",
		WIF:              0xEF,
		HDPrivateKeyID:   [4]byte{0x04, 0x35, 0x83, 0x94}, // tprv
		HDPublicKeyID:    [4]byte{0x04, 0x35, 0x87, 0xcf}, // tpub

		BlockInterval:    10 * time.Minute,
		MinConfirmations: 1,
		DefaultFeeRate:   2,
		MaxFeeRate:       200,
		Risk:             RiskLow,
	})

	// Litecoin Mainnet
	Register("LTC", Mainnet, &Params{
		Symbol:   "LTC",
		Name:     "Litecoin",
		Family:   FamilyUTXO,
		Decimals: 8,

		CoinType:       2,
		DefaultPurpose: 84,

		NetMagic:         0xdbb6c0fb,
		PubKeyHashAddrID: 0x30, // L...
		ScriptHashAddrID: 0x32, // M...
		Bech32HRP:        "ltc",
		WIF:              0xB0,
		HDPrivateKeyID:   [4]byte{0x04, 0x88, 0xad, 0xe4},
		HDPublicKeyID:    [4]byte{0x04, 0x88, 0xb2, 0x1e},

		BlockInterval:    150 * time.Second,
		MinConfirmations: 4,
		DefaultFeeRate:   5,
		MaxFeeRate:       300,
		Risk:             RiskMedium,
	})

	// Litecoin Testnet
	Register("LTC", Testnet, &Params{
		Symbol:   "LTC",
		Name:     "Litecoin Testnet",
		Family:   FamilyUTXO,
		Decimals: 8,

		CoinType:       1,
		DefaultPurpose: 84,

		NetMagic:         0xf1c8d2fd,
		PubKeyHashAddrID: 0x6F,
		ScriptHashAddrID: 0x3A,
		Bech32HRP:        "tltc",
		WIF:              0xEF,
		HDPrivateKeyID:   [4]byte{0x04, 0x35, 0x83, 0x94},
		HDPublicKeyID:    [4]byte{0x04, 0x35, 0x87, 0xcf},

		BlockInterval:    150 * time.Second,
		MinConfirmations: 2,
		DefaultFeeRate:   2,
		MaxFeeRate:       200,
		Risk:             RiskMedium,
	})

	// Dogecoin Mainnet. No SegWit, so escrows fall back to P2SH scripts and
	// fee estimates run much higher per byte.
	Register("DOGE", Mainnet, &Params{
		Symbol:   "DOGE",
		Name:     "Dogecoin",
		Family:   FamilyUTXO,
		Decimals: 8,

		CoinType:       3,
		DefaultPurpose: 44,

		NetMagic:         0xc0c0c0c0,
		PubKeyHashAddrID: 0x1E, // D...
		ScriptHashAddrID: 0x16, // 9/A...
		Bech32HRP:        "",
		WIF:              0x9E,
		HDPrivateKeyID:   [4]byte{0x02, 0xfa, 0xc3, 0x98}, // dgpv
		HDPublicKeyID:    [4]byte{0x02, 0xfa, 0xca, 0xfd}, // dgub

		BlockInterval:    time.Minute,
		MinConfirmations: 6,
		DefaultFeeRate:   1000,
		MaxFeeRate:       100000,
		Risk:             RiskHigh,
	})
}
