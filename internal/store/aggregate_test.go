package store

import "testing"

func participants(statuses ...string) []Participant {
	items := make([]Participant, 0, len(statuses))
	for i, status := range statuses {
		items = append(items, Participant{UserID: "u", Status: status, SortOrder: i})
	}
	return items
}

func TestAggregateStatus(t *testing.T) {
	cases := []struct {
		name     string
		statuses []string
		want     string
	}{
		{"no participants", nil, "pending"},
		{"none responded", []string{"pending", "pending"}, "pending"},
		{"reviewing does not count as responded", []string{"reviewing", "pending"}, "pending"},
		{"partial", []string{"approved", "pending"}, "in_progress"},
		{"partial mixed", []string{"changes_requested", "pending", "approved"}, "in_progress"},
		{"all approved", []string{"approved", "approved"}, "completed"},
		{"all responded mixed", []string{"approved", "changes_requested"}, "completed"},
		{"single responded", []string{"changes_requested"}, "completed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := AggregateStatus(participants(tc.statuses...)); got != tc.want {
				t.Fatalf("AggregateStatus(%v) = %q, want %q", tc.statuses, got, tc.want)
			}
		})
	}
}

func TestAggregateStatusIsOrderIndependent(t *testing.T) {
	base := []string{"approved", "changes_requested", "pending"}
	perms := [][]string{
		{"approved", "changes_requested", "pending"},
		{"pending", "approved", "changes_requested"},
		{"changes_requested", "pending", "approved"},
	}
	want := AggregateStatus(participants(base...))
	for _, perm := range perms {
		if got := AggregateStatus(participants(perm...)); got != want {
			t.Fatalf("AggregateStatus(%v) = %q, want %q", perm, got, want)
		}
	}
}
