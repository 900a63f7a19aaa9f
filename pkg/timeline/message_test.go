package timeline

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusSending, StatusSent, true},
		{StatusSending, StatusDelivered, true},
		{StatusSending, StatusRead, true},
		{StatusSent, StatusDelivered, true},
		{StatusSent, StatusRead, true},
		{StatusDelivered, StatusRead, true},

		{StatusSent, StatusSent, false},
		{StatusDelivered, StatusDelivered, false},
		{StatusSent, StatusSending, false},
		{StatusDelivered, StatusSent, false},
		{StatusRead, StatusDelivered, false},
		{StatusRead, StatusSending, false},

		{StatusSending, StatusFailed, true},
		{StatusSent, StatusFailed, true},
		{StatusDelivered, StatusFailed, false},
		{StatusRead, StatusFailed, false},
		{StatusFailed, StatusSent, false},
		{StatusFailed, StatusDelivered, false},
		{StatusFailed, StatusRead, false},
		{StatusFailed, StatusFailed, false},

		{"", StatusSent, true},
		{"", StatusRead, true},
		{StatusSent, "", false},
		{StatusSent, "bogus", false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%q, %q) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusSending, StatusSent, StatusDelivered, StatusRead, StatusFailed} {
		if !s.Valid() {
			t.Errorf("Valid(%q) = false, want true", s)
		}
	}
	for _, s := range []Status{"", "queued", "SENT"} {
		if s.Valid() {
			t.Errorf("Valid(%q) = true, want false", s)
		}
	}
}

func TestRefIdentity(t *testing.T) {
	cases := []struct {
		ref  Ref
		want string
	}{
		{Ref{TempID: "t1"}, "t1"},
		{Ref{TempID: "t1", WireID: "w1"}, "w1"},
		{Ref{TempID: "t1", WireID: "w1", ServerID: "s1"}, "s1"},
		{Ref{ServerID: "s1"}, "s1"},
		{Ref{}, ""},
	}
	for _, tc := range cases {
		if got := tc.ref.Identity(); got != tc.want {
			t.Errorf("Identity(%+v) = %q, want %q", tc.ref, got, tc.want)
		}
	}
}

func TestRefMatches(t *testing.T) {
	ref := Ref{TempID: "t1", ServerID: "s1"}
	for _, id := range []string{"t1", "s1"} {
		if !ref.Matches(id) {
			t.Errorf("Matches(%q) = false, want true", id)
		}
	}
	for _, id := range []string{"", "w1", "s2"} {
		if ref.Matches(id) {
			t.Errorf("Matches(%q) = true, want false", id)
		}
	}
}
