package registry

// Built-in defaults, used when no registry file is configured. Operators
// are expected to ship their own versioned file in production; these cover
// the widely known public entries so a bare deployment still detects them.

func builtinClusters() []ClusterEntry {
	return []ClusterEntry{
		// Sanctioned mixers (OFAC SDN announcements).
		{Address: "0x8589427373d6d84e98730d7795d8f6f8731fda16", Role: RoleMixer, Status: "sanctioned", RiskScore: 95},
		{Address: "0x722122df12d4e14e13ac3b6895a86e84145b6967", Role: RoleMixer, Status: "sanctioned", RiskScore: 95},
		{Address: "0xd4b88df4d29f5cedd6857912842cff3b20c8cfa3", Role: RoleMixer, Status: "sanctioned", RiskScore: 95},
		{Address: "0x910cbd523d972eb0a6f4cae4618ad62622b39dbf", Role: RoleMixer, Status: "sanctioned", RiskScore: 95},
		{Address: "0x57f1887a8bf19b14fc0df6fd9b2acc9af147ea85", Role: RoleMixer, Status: "sanctioned", RiskScore: 90},
		// Known exploiters.
		{Address: "0x098b716b8aaf21512996dc57eb0615e2383e2f96", Role: RoleExploit, Status: "active", RiskScore: 100},
		{Address: "0x9c5083dd4838e120dbeac44c052179692aa5c32d", Role: RoleExploit, Status: "dormant", RiskScore: 90},
		// Bridges, exchanges, staking contracts used for triage and
		// behavioral classification, not flagged malicious on their own.
		{Address: "0xa0e1c89ef1a489c9c7de96311ed5ce5d32c20e4b", Role: RoleBridge, Status: "flagged", RiskScore: 60},
		{Address: "0x3ee18b2214aff97000d974cf647e7c347e8fa585", Role: RoleBridge, Status: "monitored", RiskScore: 20},
		{Address: "0x28c6c06298d514db089934071355e5743bf21d60", Role: RoleExchange, Status: "monitored", RiskScore: 5},
		{Address: "0xdfd5293d8e347dfe59e90efd55b2956a1343963d", Role: RoleExchange, Status: "monitored", RiskScore: 5},
		{Address: "0x00000000219ab540356cbb839cbe05303d7705fa", Role: RoleStaking, Status: "monitored", RiskScore: 5},
	}
}

func builtinFunctions() []FunctionEntry {
	return []FunctionEntry{
		{Name: "approve", Selector: "0x095ea7b3", RiskScore: 40, Description: "ERC-20 allowance grant, common in drainer flows"},
		{Name: "permit", Selector: "0xd505accf", RiskScore: 75, Description: "EIP-2612 gasless allowance, frequent phishing vector"},
		{Name: "setApprovalForAll", Selector: "0xa22cb465", RiskScore: 70, Description: "NFT collection-wide operator grant"},
		{Name: "transferOwnership", Selector: "0xf2fde38b", RiskScore: 65, Description: "contract ownership handover"},
		{Name: "delegatecall", Selector: "0xf5b541a6", RiskScore: 80, Description: "proxy delegation to arbitrary code"},
		{Name: "selfdestruct", Selector: "0x9cb8a26a", RiskScore: 85, Description: "contract removal with balance sweep"},
		{Name: "multicall", Selector: "0xac9650d8", RiskScore: 45, Description: "batched calls, can hide drains"},
	}
}
