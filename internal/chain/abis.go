package chain

// Read-only contract ABIs for the Pearl on-chain surface. Only the functions
// the accessors call are declared.

// Multicall3ABI covers aggregate3 batching plus the native balance helper on
// the Multicall3 contract itself.
const Multicall3ABI = `[
	{
		"type": "function",
		"name": "aggregate3",
		"stateMutability": "payable",
		"inputs": [
			{
				"name": "calls",
				"type": "tuple[]",
				"components": [
					{"name": "target", "type": "address"},
					{"name": "allowFailure", "type": "bool"},
					{"name": "callData", "type": "bytes"}
				]
			}
		],
		"outputs": [
			{
				"name": "returnData",
				"type": "tuple[]",
				"components": [
					{"name": "success", "type": "bool"},
					{"name": "returnData", "type": "bytes"}
				]
			}
		]
	},
	{
		"type": "function",
		"name": "getEthBalance",
		"stateMutability": "view",
		"inputs": [{"name": "addr", "type": "address"}],
		"outputs": [{"name": "balance", "type": "uint256"}]
	}
]`

// ERC20ABI is the minimal token read interface.
const ERC20ABI = `[
	{
		"type": "function",
		"name": "balanceOf",
		"stateMutability": "view",
		"inputs": [{"name": "account", "type": "address"}],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"type": "function",
		"name": "decimals",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint8"}]
	},
	{
		"type": "function",
		"name": "symbol",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "string"}]
	}
]`

// SafeABI is the owner read surface of a Gnosis Safe.
const SafeABI = `[
	{
		"type": "function",
		"name": "getOwners",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "address[]"}]
	},
	{
		"type": "function",
		"name": "getThreshold",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint256"}]
	}
]`

// StakingTokenABI is the read surface of an Autonolas staking proxy.
const StakingTokenABI = `[
	{
		"type": "function",
		"name": "availableRewards",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"type": "function",
		"name": "minStakingDeposit",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"type": "function",
		"name": "rewardsPerSecond",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"type": "function",
		"name": "maxNumServices",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"type": "function",
		"name": "livenessPeriod",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"type": "function",
		"name": "getServiceIds",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint256[]"}]
	},
	{
		"type": "function",
		"name": "getStakingState",
		"stateMutability": "view",
		"inputs": [{"name": "serviceId", "type": "uint256"}],
		"outputs": [{"name": "", "type": "uint8"}]
	},
	{
		"type": "function",
		"name": "calculateStakingReward",
		"stateMutability": "view",
		"inputs": [{"name": "serviceId", "type": "uint256"}],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"type": "function",
		"name": "activityChecker",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "address"}]
	}
]`

// ActivityCheckerABI exposes the liveness ratio used for reward eligibility.
const ActivityCheckerABI = `[
	{
		"type": "function",
		"name": "livenessRatio",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint256"}]
	}
]`
