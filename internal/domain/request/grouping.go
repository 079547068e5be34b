package request

// GroupKind tags a display group as a batch or a single request.
type GroupKind string

const (
	GroupBatch      GroupKind = "batch"
	GroupIndividual GroupKind = "individual"
)

// Group is one entry of a grouped request list: either a batch with its
// members or a lone request.
type Group struct {
	Kind    GroupKind  `json:"kind"`
	BatchID string     `json:"batch_id,omitempty"`
	Members []*Request `json:"members,omitempty"`
	Request *Request   `json:"request,omitempty"`
}

// GroupRequests partitions an ordered request list into batch groups and
// individuals. Batches come first, in the order their batch id was first
// seen; individuals follow in their original order. Batches are not
// interleaved with individuals by recency; the queue UI depends on this
// exact ordering.
func GroupRequests(requests []*Request) []Group {
	var batchOrder []string
	batches := make(map[string][]*Request)
	var individuals []*Request

	for _, r := range requests {
		if r.BatchID == "" {
			individuals = append(individuals, r)
			continue
		}
		if _, seen := batches[r.BatchID]; !seen {
			batchOrder = append(batchOrder, r.BatchID)
		}
		batches[r.BatchID] = append(batches[r.BatchID], r)
	}

	groups := make([]Group, 0, len(batchOrder)+len(individuals))
	for _, id := range batchOrder {
		groups = append(groups, Group{Kind: GroupBatch, BatchID: id, Members: batches[id]})
	}
	for _, r := range individuals {
		groups = append(groups, Group{Kind: GroupIndividual, Request: r})
	}
	return groups
}
