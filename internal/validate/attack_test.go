// attack_test.go — adversarial input tests.
// IsUUID must reject every classic attack payload, MaxLength every payload
// over its limit, and IntInRange every out-of-range value; no validator
// may panic.
package validate_test

import (
	"strings"
	"testing"

	"github.com/streamforge/ingestd/internal/validate"
)

// attackPayloads is a shared list of known-bad strings used across validators
// that accept free-form text.
var attackPayloads = []struct {
	name  string
	value string
}{
	{"sql_injection_classic", "' OR 1=1 --"},
	{"sql_injection_union", "1 UNION SELECT username,password FROM users--"},
	{"sql_injection_stacked", "1; DROP TABLE subscribers;--"},
	{"xss_script", "<script>alert(1)</script>"},
	{"xss_event", `" onmouseover="alert(1)`},
	{"xss_img", "<img src=x onerror=alert(1)>"},
	{"path_traversal_unix", "../../../etc/passwd"},
	{"path_traversal_win", `..\..\..\\windows\\system32`},
	{"null_byte_middle", "hello\x00world"},
	{"null_byte_start", "\x00admin"},
	{"null_byte_end", "admin\x00"},
	{"long_string", strings.Repeat("A", 10001)},
	{"unicode_rtl", "‮ evil text"},
	{"format_string", "%s%s%s%s%s%s%s"},
}

// TestUUIDAgainstAttacks verifies IsUUID rejects all attack payloads.
func TestUUIDAgainstAttacks(t *testing.T) {
	for _, tc := range attackPayloads {
		t.Run(tc.name, func(t *testing.T) {
			err := validate.IsUUID("id", tc.value)
			if err == nil {
				t.Errorf("IsUUID accepted attack payload %q", tc.value[:min(len(tc.value), 50)])
			}
		})
	}
}

// TestMaxLengthAgainstAttacks verifies MaxLength rejects oversized payloads
// used to exhaust a handler, same role MaxLength plays guarding group_name
// in the admin HTTP surface.
func TestMaxLengthAgainstAttacks(t *testing.T) {
	for _, tc := range attackPayloads {
		t.Run(tc.name, func(t *testing.T) {
			err := validate.MaxLength("field", tc.value, 20)
			if len(tc.value) > 20 && err == nil {
				t.Errorf("MaxLength accepted oversized attack payload %q", tc.value[:min(len(tc.value), 50)])
			}
		})
	}
}

// TestIntInRangeAgainstAttacks verifies IntInRange rejects out-of-range
// retention/interval values, the same boundary it guards in prune.Prune.
func TestIntInRangeAgainstAttacks(t *testing.T) {
	cases := []int{-1, -1000000, 0, 999999999}
	for _, v := range cases {
		if err := validate.IntInRange("retention_days", v, 1, 3650); err == nil {
			t.Errorf("IntInRange accepted out-of-range value %d", v)
		}
	}
}

// TestNoNilPanic verifies no validator panics on empty or zero-value inputs.
func TestNoNilPanic(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("validator panicked: %v", r)
		}
	}()

	_ = validate.NonEmptyString("f", "")
	_ = validate.MaxLength("f", "", 10)
	_ = validate.IsUUID("f", "")
	_ = validate.IntInRange("f", 0, 1, 10)
}

// min returns the smaller of a and b (Go 1.21+ has builtin; keep local for compat).
func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
