package errkey

import "testing"

func TestPadCount(t *testing.T) {
	tests := []struct {
		name string
		n    int
		want string
	}{
		{"zero", 0, "0000000000"},
		{"single digit", 7, "0000000007"},
		{"mid range", 31337, "0000031337"},
		{"full width", 1234567890, "1234567890"},
		{"negative clamps to zero", -3, "0000000000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PadCount(tt.n); got != tt.want {
				t.Errorf("PadCount(%d) = %q, want %q", tt.n, got, tt.want)
			}
		})
	}
}

func TestPadCountOrdersNumerically(t *testing.T) {
	// Lexicographic order of padded keys must match numeric order; this is
	// the property every ranked dashboard query rests on.
	prev := PadCount(0)
	for _, n := range []int{1, 9, 10, 99, 100, 4999, 5000, 987654321} {
		cur := PadCount(n)
		if !(prev < cur) {
			t.Fatalf("PadCount(%d) = %q does not sort after %q", n, cur, prev)
		}
		prev = cur
	}
}

func TestCountKey(t *testing.T) {
	got := CountKey("failed", 42, KindExecution, "exec-123")
	want := "COUNT#FAILED#0000000042#EXEC#exec-123"
	if got != want {
		t.Errorf("CountKey = %q, want %q", got, want)
	}

	got = CountKey("maybeUnrecoverable", 3, KindError, "20304")
	want = "COUNT#MAYBEUNRECOVERABLE#0000000003#ERROR#20304"
	if got != want {
		t.Errorf("CountKey = %q, want %q", got, want)
	}
}

func TestTypedCountKey(t *testing.T) {
	got := TypedCountKey("20", "failed", 42, KindError, "20304")
	want := "COUNT#20#FAILED#0000000042#ERROR#20304"
	if got != want {
		t.Errorf("TypedCountKey = %q, want %q", got, want)
	}
}

func TestStatusPrefixesMatchKeys(t *testing.T) {
	key := CountKey("failed", 1, KindExecution, "e1")
	prefix := CountKeyStatusPrefix("failed")
	if len(prefix) >= len(key) || key[:len(prefix)] != prefix {
		t.Errorf("prefix %q does not match key %q", prefix, key)
	}

	typed := TypedCountKey("20", "failed", 1, KindError, "20304")
	tPrefix := TypedCountKeyStatusPrefix("20", "failed")
	if len(tPrefix) >= len(typed) || typed[:len(tPrefix)] != tPrefix {
		t.Errorf("typed prefix %q does not match key %q", tPrefix, typed)
	}
}

func TestErrorType(t *testing.T) {
	tests := []struct {
		code string
		want string
	}{
		{"20304", "20"},
		{"10001", "10"},
		{"77", "77"},
		{"9", "9"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := ErrorType(tt.code); got != tt.want {
			t.Errorf("ErrorType(%q) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestParseExecutionPK(t *testing.T) {
	id, ok := ParseExecutionPK(ExecutionPK("exec-9"))
	if !ok || id != "exec-9" {
		t.Errorf("ParseExecutionPK round trip = (%q, %v)", id, ok)
	}

	if _, ok := ParseExecutionPK("ERROR#20304"); ok {
		t.Error("ParseExecutionPK accepted an error partition key")
	}
	if _, ok := ParseExecutionPK("EXEC#"); ok {
		t.Error("ParseExecutionPK accepted an empty identity segment")
	}
}

func TestParseErrorKey(t *testing.T) {
	code, ok := ParseErrorKey(LinkSK("20304"))
	if !ok || code != "20304" {
		t.Errorf("ParseErrorKey round trip = (%q, %v)", code, ok)
	}

	if _, ok := ParseErrorKey(MetadataSK); ok {
		t.Error("ParseErrorKey accepted a METADATA sort key")
	}
}

func TestIsLinkSK(t *testing.T) {
	if !IsLinkSK(LinkSK("20304")) {
		t.Error("IsLinkSK rejected a link sort key")
	}
	if IsLinkSK(MetadataSK) {
		t.Error("IsLinkSK accepted a METADATA sort key")
	}
}
