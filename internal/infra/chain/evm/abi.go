package evm

// routerABI covers the router surface the oracle touches: the request event
// and the fulfillment method.
const routerABI = `[
	{
		"anonymous": false,
		"type": "event",
		"name": "OracleRequest",
		"inputs": [
			{"indexed": true,  "name": "requestId", "type": "bytes32"},
			{"indexed": true,  "name": "consumer",  "type": "address"},
			{"indexed": false, "name": "endpoint",  "type": "string"},
			{"indexed": false, "name": "fee",       "type": "uint256"},
			{"indexed": false, "name": "deadline",  "type": "uint256"}
		]
	},
	{
		"type": "function",
		"name": "fulfillRequest",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "requestId", "type": "bytes32"},
			{"name": "price",     "type": "uint256"},
			{"name": "consumer",  "type": "address"}
		],
		"outputs": []
	}
]`

const (
	eventOracleRequest   = "OracleRequest"
	methodFulfillRequest = "fulfillRequest"
)
