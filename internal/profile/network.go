package profile

// NetworkNode is one address in a trace with its distance from the origin.
type NetworkNode struct {
	Address   string `json:"address"`
	Depth     int    `json:"depth"`
	RiskScore int    `json:"risk_score"`
	TxCount   int    `json:"tx_count"`
}

// NetworkEdge records that two addresses transacted with each other.
type NetworkEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// NetworkTrace is the bounded breadth-first expansion of an address's
// counterparty graph.
type NetworkTrace struct {
	Origin    string        `json:"origin"`
	Depth     int           `json:"depth"`
	Nodes     []NetworkNode `json:"nodes"`
	Edges     []NetworkEdge `json:"edges"`
	Truncated bool          `json:"truncated"`
}

// TraceNetwork walks the counterparty graph breadth-first from origin up
// to maxDepth hops. The walk stops once the configured node bound is hit
// and marks the trace truncated.
func (t *Tracker) TraceNetwork(origin string, maxDepth int) *NetworkTrace {
	if maxDepth < 0 {
		maxDepth = 0
	}

	trace := &NetworkTrace{Origin: origin, Depth: maxDepth}

	type queued struct {
		address string
		depth   int
	}
	visited := map[string]struct{}{origin: {}}
	queue := []queued{{origin, 0}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		node := NetworkNode{Address: cur.address, Depth: cur.depth}
		var connected []string
		if p := t.Profile(cur.address); p != nil {
			node.RiskScore = p.RiskScore
			node.TxCount = p.TxCount
			connected = p.Connected
		}
		trace.Nodes = append(trace.Nodes, node)

		if cur.depth >= maxDepth {
			continue
		}
		for _, next := range connected {
			trace.Edges = append(trace.Edges, NetworkEdge{From: cur.address, To: next})
			if _, seen := visited[next]; seen {
				continue
			}
			if len(visited) >= t.cfg.MaxTraceNodes {
				trace.Truncated = true
				continue
			}
			visited[next] = struct{}{}
			queue = append(queue, queued{next, cur.depth + 1})
		}
	}
	return trace
}
