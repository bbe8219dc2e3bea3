package chain

import "github.com/btcsuite/btcd/chaincfg"

func init() {
	RegisterBitcoin(&BitcoinParams{
		Network:    Mainnet,
		Params:     &chaincfg.MainNetParams,
		EsploraURL: "https://blockstream.info/api",
	})

	// testnet3
	RegisterBitcoin(&BitcoinParams{
		Network:    Testnet,
		Params:     &chaincfg.TestNet3Params,
		EsploraURL: "https://blockstream.info/testnet/api",
	})
}
