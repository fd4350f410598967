package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		role   Role
		action Action
		want   bool
	}{
		{RoleAdmin, ActionAdmin, true},
		{RoleAdmin, ActionWrite, true},
		{RoleReviewer, ActionWrite, true},
		{RoleReviewer, ActionReview, true},
		{RoleReviewer, ActionAdmin, false},
		{RoleCommenter, ActionComment, true},
		{RoleCommenter, ActionReview, false},
		{RoleViewer, ActionRead, true},
		{RoleViewer, ActionComment, false},
		{Role("bogus"), ActionRead, false},
	}
	for _, tc := range cases {
		if got := Can(tc.role, tc.action); got != tc.want {
			t.Errorf("Can(%s, %s) = %v, want %v", tc.role, tc.action, got, tc.want)
		}
	}
}

func TestNormalizeDefaultsToViewer(t *testing.T) {
	if Normalize("superuser") != RoleViewer {
		t.Fatal("unknown role should normalize to viewer")
	}
	if Normalize("reviewer") != RoleReviewer {
		t.Fatal("known role should pass through")
	}
}
