package domain

const (
	// ETHEREUM_ZERO_ADDRESS marks token issuance (mint) or destruction (burn)
	// in market-token transfer semantics.
	ETHEREUM_ZERO_ADDRESS = "0x0000000000000000000000000000000000000000"
)
