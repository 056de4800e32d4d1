package sanitize

import "testing"

func TestIdentifier(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases", "Orders-Inbox", "orders_inbox"},
		{"leading digit", "9lives", "_9lives"},
		{"dots and spaces", "billing.v2 inbox", "billing_v2_inbox"},
		{"already clean", "orders_inbox", "orders_inbox"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Identifier(tc.in, 63); got != tc.want {
				t.Fatalf("Identifier(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestIdentifierTruncation(t *testing.T) {
	in := "a_very_long_inbox_name_that_exceeds_the_limit_by_quite_a_bit_indeed"
	got := Identifier(in, 10)
	if len(got) != 10 {
		t.Fatalf("expected length 10, got %d (%q)", len(got), got)
	}
}

func TestIdentifierIdempotent(t *testing.T) {
	inputs := []string{"Orders-Inbox", "9lives", "already_clean", "Weird!!Chars??"}
	for _, in := range inputs {
		once := Identifier(in, 63)
		twice := Identifier(once, 63)
		if once != twice {
			t.Fatalf("sanitize not idempotent: Identifier(%q)=%q, Identifier(that)=%q", in, once, twice)
		}
	}
}
