package request

import "testing"

func req(id, batchID string) *Request {
	return &Request{ID: id, BatchID: batchID}
}

func TestGroupRequestsOrdering(t *testing.T) {
	// Batches come first in first-seen order, then individuals in their
	// original order, never interleaved.
	input := []*Request{
		req("1", "A"),
		req("2", ""),
		req("3", "A"),
		req("4", ""),
	}

	groups := GroupRequests(input)
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(groups))
	}

	if groups[0].Kind != GroupBatch || groups[0].BatchID != "A" {
		t.Fatalf("group 0: expected batch A, got %+v", groups[0])
	}
	if len(groups[0].Members) != 2 || groups[0].Members[0].ID != "1" || groups[0].Members[1].ID != "3" {
		t.Fatalf("batch A members out of order: %+v", groups[0].Members)
	}

	if groups[1].Kind != GroupIndividual || groups[1].Request.ID != "2" {
		t.Fatalf("group 1: expected individual 2, got %+v", groups[1])
	}
	if groups[2].Kind != GroupIndividual || groups[2].Request.ID != "4" {
		t.Fatalf("group 2: expected individual 4, got %+v", groups[2])
	}
}

func TestGroupRequestsMultipleBatches(t *testing.T) {
	input := []*Request{
		req("1", ""),
		req("2", "B"),
		req("3", "A"),
		req("4", "B"),
	}

	groups := GroupRequests(input)
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(groups))
	}
	// B was seen before A, so B leads despite its label.
	if groups[0].BatchID != "B" || groups[1].BatchID != "A" {
		t.Fatalf("batch order: got %s then %s, want B then A", groups[0].BatchID, groups[1].BatchID)
	}
	if groups[2].Request.ID != "1" {
		t.Fatalf("individual should follow batches, got %+v", groups[2])
	}
}

func TestGroupRequestsEmpty(t *testing.T) {
	if groups := GroupRequests(nil); len(groups) != 0 {
		t.Fatalf("expected no groups, got %d", len(groups))
	}
}

func TestGroupRequestsSingleMemberBatch(t *testing.T) {
	// A batch that pagination truncated to one member still renders as a
	// batch group.
	groups := GroupRequests([]*Request{req("1", "A")})
	if len(groups) != 1 || groups[0].Kind != GroupBatch || len(groups[0].Members) != 1 {
		t.Fatalf("expected one batch group with one member, got %+v", groups)
	}
}
