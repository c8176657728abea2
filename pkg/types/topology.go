package types

import "encoding/json"

// ServiceNode is one monitored service in the topology.
type ServiceNode struct {
	ServiceID string `json:"service_id"`
	Label     string `json:"label"`
	// Type is a free-form category such as "database" or "temporal_workflow".
	Type string `json:"service_type"`
}

// UnmarshalJSON accepts "type" as an alias for "service_type".
func (n *ServiceNode) UnmarshalJSON(data []byte) error {
	var in struct {
		ServiceID   string `json:"service_id"`
		Label       string `json:"label"`
		ServiceType string `json:"service_type"`
		Type        string `json:"type"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	n.ServiceID = in.ServiceID
	n.Label = in.Label
	n.Type = in.ServiceType
	if n.Type == "" {
		n.Type = in.Type
	}
	return nil
}

// ServiceRelation is a directed edge: Source feeds (and can affect) Target.
type ServiceRelation struct {
	RelationID string `json:"relation_id"`
	Source     string `json:"source"`
	Target     string `json:"target"`
}

// Topology is the node and relation list served by the status server's
// flowchart endpoint.
type Topology struct {
	Nodes     []ServiceNode     `json:"serviceNodes"`
	Relations []ServiceRelation `json:"serviceRelations"`
}

// NodeIDs returns the ids of all nodes in declaration order.
func (t Topology) NodeIDs() []string {
	ids := make([]string, 0, len(t.Nodes))
	for _, n := range t.Nodes {
		ids = append(ids, n.ServiceID)
	}
	return ids
}
