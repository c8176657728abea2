package impact

import (
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/obsidianstack/depwatch/agent/internal/graph"
	"github.com/obsidianstack/depwatch/pkg/types"
)

// OutageAffected returns the union of roots and everything downstream of each
// root. The result is a new set; roots is not modified.
func OutageAffected(roots sets.Set[string], g *graph.Graph) sets.Set[string] {
	affected := roots.Clone()
	for root := range roots {
		affected = affected.Union(g.Downstream(root))
	}
	return affected
}

// IsOutageDependent reports whether id is affected by an outage without being
// one of its roots.
func IsOutageDependent(id string, roots, affected sets.Set[string]) bool {
	return affected.Has(id) && !roots.Has(id)
}

// Lookup is the read side of a status snapshot.
type Lookup interface {
	Get(id string) (types.ServiceStatusRecord, bool)
}

// Counts is the per-bucket breakdown of one group. Total always equals the
// number of member nodes.
type Counts struct {
	OK       int `json:"ok"`
	Degraded int `json:"degraded"`
	Failed   int `json:"failed"`
	Starting int `json:"starting"`
	Stopped  int `json:"stopped"`
	Unknown  int `json:"unknown"`
	Others   int `json:"others"`
	Total    int `json:"total"`
}

// Add classifies one status code into its bucket.
func (c *Counts) Add(code types.StatusCode) {
	switch code {
	case types.StatusOK:
		c.OK++
	case types.StatusDegraded:
		c.Degraded++
	case types.StatusFailed:
		c.Failed++
	case types.StatusStarting:
		c.Starting++
	case types.StatusStopped:
		c.Stopped++
	case types.StatusUnknown:
		c.Unknown++
	default:
		c.Others++
	}
	c.Total++
}

// Merge adds o's buckets into c.
func (c *Counts) Merge(o Counts) {
	c.OK += o.OK
	c.Degraded += o.Degraded
	c.Failed += o.Failed
	c.Starting += o.Starting
	c.Stopped += o.Stopped
	c.Unknown += o.Unknown
	c.Others += o.Others
	c.Total += o.Total
}

// Buckets returns the counts keyed by bucket name, Total excluded.
func (c Counts) Buckets() map[string]int {
	return map[string]int{
		"ok":       c.OK,
		"degraded": c.Degraded,
		"failed":   c.Failed,
		"starting": c.Starting,
		"stopped":  c.Stopped,
		"unknown":  c.Unknown,
		"others":   c.Others,
	}
}

// GroupKeyFunc maps a node to the group it is counted under.
type GroupKeyFunc func(types.ServiceNode) string

// ByType groups nodes by their service type. Untyped nodes fall under
// "untyped".
func ByType(n types.ServiceNode) string {
	if n.Type == "" {
		return "untyped"
	}
	return n.Type
}

// All puts every node into a single "all" group.
func All(types.ServiceNode) string { return "all" }

// GroupStatusTally counts nodes per group and status bucket. A node with no
// record in lookup counts as unknown.
func GroupStatusTally(nodes []types.ServiceNode, lookup Lookup, groupKeyOf GroupKeyFunc) map[string]Counts {
	out := make(map[string]Counts)
	for _, n := range nodes {
		key := groupKeyOf(n)
		c := out[key]
		code := types.StatusUnknown
		if r, ok := lookup.Get(n.ServiceID); ok {
			code = r.StatusCode
		}
		c.Add(code)
		out[key] = c
	}
	return out
}
