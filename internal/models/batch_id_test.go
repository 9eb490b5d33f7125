package models

import (
	"strings"
	"testing"
	"time"
)

func TestNewBatchIDFormat(t *testing.T) {
	now := time.Date(2025, 1, 10, 15, 30, 45, 0, time.UTC)
	id := NewBatchID("experiment", now)
	if !strings.HasPrefix(id, "experiment-20250110-153045-") {
		t.Fatalf("unexpected batch id %q", id)
	}
	if len(id) != len("experiment-20250110-153045-")+8 {
		t.Fatalf("expected 8 char suffix, got %q", id)
	}
	if err := ValidateBatchID(id); err != nil {
		t.Fatalf("generated id should validate: %v", err)
	}
}

func TestNewBatchIDDefaultsPrefixAndIsUnique(t *testing.T) {
	now := time.Now()
	a := NewBatchID("", now)
	b := NewBatchID("", now)
	if !strings.HasPrefix(a, DefaultBatchPrefix+"-") {
		t.Fatalf("expected default prefix, got %q", a)
	}
	if a == b {
		t.Fatalf("two ids generated in the same second collided: %q", a)
	}
}

func TestValidateBatchID(t *testing.T) {
	cases := []struct {
		id string
		ok bool
	}{
		{"cli-batch-20250110-153045-abc12345", true},
		{"my_experiment.v1", true},
		{"", false},
		{"-leading-dash", false},
		{".hidden", false},
		{"has/slash", false},
		{"has space", false},
		{"../escape", false},
		{strings.Repeat("a", 129), false},
	}
	for _, tc := range cases {
		err := ValidateBatchID(tc.id)
		if tc.ok && err != nil {
			t.Fatalf("ValidateBatchID(%q) unexpected error: %v", tc.id, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("ValidateBatchID(%q) expected error", tc.id)
		}
	}
}

func TestResolveBatchID(t *testing.T) {
	now := time.Now()
	id, err := ResolveBatchID("custom-1", "ignored", now)
	if err != nil || id != "custom-1" {
		t.Fatalf("expected explicit id, got %q (%v)", id, err)
	}
	if _, err := ResolveBatchID("bad/id", "", now); err == nil {
		t.Fatalf("expected unsafe explicit id to be rejected")
	}
	if _, err := ResolveBatchID("", "bad prefix", now); err == nil {
		t.Fatalf("expected unsafe prefix to be rejected")
	}
	id, err = ResolveBatchID("", "nightly", now)
	if err != nil || !strings.HasPrefix(id, "nightly-") {
		t.Fatalf("expected generated id with prefix, got %q (%v)", id, err)
	}
}

func TestTrackingIDRoundTrip(t *testing.T) {
	key := "cli-batch-1/W2s/w2.pdf"
	id := TrackingID(key)
	if strings.Contains(id, "/") {
		t.Fatalf("tracking id must not contain '/': %q", id)
	}
	back, err := StagedKeyFromTrackingID(id)
	if err != nil || back != key {
		t.Fatalf("round trip failed: %q (%v)", back, err)
	}
	if TrackingID("b/W2s/w2.pdf") == TrackingID("b/1099s/w2.pdf") {
		t.Fatalf("distinct keys must map to distinct ids")
	}
}
