package environment

import "testing"

func TestStringOr(t *testing.T) {
	t.Setenv("KAEDE_TEST_STR", "value")

	if got := StringOr("KAEDE_TEST_STR", "fallback"); got != "value" {
		t.Errorf("StringOr(set) = %q, want %q", got, "value")
	}
	if got := StringOr("KAEDE_TEST_UNSET", "fallback"); got != "fallback" {
		t.Errorf("StringOr(unset) = %q, want %q", got, "fallback")
	}
}

func TestRequiredString(t *testing.T) {
	t.Setenv("KAEDE_TEST_REQ", "present")

	v, err := RequiredString("KAEDE_TEST_REQ")
	if err != nil {
		t.Fatalf("RequiredString(set) returned error: %v", err)
	}
	if v != "present" {
		t.Errorf("RequiredString(set) = %q, want %q", v, "present")
	}

	if _, err := RequiredString("KAEDE_TEST_REQ_MISSING"); err == nil {
		t.Error("RequiredString(unset) expected error, got nil")
	}
}
