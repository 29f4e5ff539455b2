package authz

import (
	"errors"
	"testing"
)

func weightsFrom(m map[string]int64) WeightFunc {
	return func(fpr string) (int64, error) {
		return m[fpr], nil
	}
}

func TestAuthorizeQuorumMet(t *testing.T) {
	signers := map[string]struct{}{"a": {}, "b": {}}
	weights := weightsFrom(map[string]int64{"a": 2, "b": 1})

	d, err := Authorize(signers, 3, weights)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !d.Authorized {
		t.Fatalf("expected authorized, got %+v", d)
	}
	if d.Total != 3 || d.Threshold != 3 || d.Signers != 2 {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestAuthorizeQuorumMissed(t *testing.T) {
	signers := map[string]struct{}{"a": {}}
	weights := weightsFrom(map[string]int64{"a": 2})

	d, err := Authorize(signers, 3, weights)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if d.Authorized {
		t.Fatalf("expected not authorized, got %+v", d)
	}
	if d.Total != 2 {
		t.Fatalf("expected total 2, got %d", d.Total)
	}
}

// TestAuthorizeZeroThresholdRequiresSigner covers spec.md §9 open
// question (a): a zero-threshold secret still needs at least one
// valid signatory.
func TestAuthorizeZeroThresholdRequiresSigner(t *testing.T) {
	d, err := Authorize(map[string]struct{}{}, 0, weightsFrom(nil))
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if d.Authorized {
		t.Fatal("zero threshold with no signers must not authorize")
	}

	d, err = Authorize(map[string]struct{}{"a": {}}, 0, weightsFrom(map[string]int64{"a": 0}))
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !d.Authorized {
		t.Fatal("zero threshold with one zero-weight signer must authorize")
	}
}

func TestAuthorizeExactTieAuthorizes(t *testing.T) {
	d, err := Authorize(map[string]struct{}{"a": {}}, 5, weightsFrom(map[string]int64{"a": 5}))
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !d.Authorized {
		t.Fatal("exact tie at threshold must authorize")
	}
}

func TestAuthorizeNegativeWeightIsRejected(t *testing.T) {
	weights := func(string) (int64, error) { return -1, nil }
	_, err := Authorize(map[string]struct{}{"a": {}}, 1, weights)
	if err == nil {
		t.Fatal("expected error for negative weight")
	}
}

func TestAuthorizePropagatesLookupError(t *testing.T) {
	boom := errors.New("boom")
	weights := func(string) (int64, error) { return 0, boom }
	_, err := Authorize(map[string]struct{}{"a": {}}, 1, weights)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped boom error, got %v", err)
	}
}

func TestAuthorizeDuplicateSignerCountsOnce(t *testing.T) {
	// signers is a set, so a duplicate fingerprint supplied twice in a
	// request must have already been deduplicated before reaching
	// Authorize; this test documents that Authorize itself has no way
	// to double count since its input is already a map.
	signers := map[string]struct{}{"a": {}}
	weights := weightsFrom(map[string]int64{"a": 1})
	d, err := Authorize(signers, 2, weights)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if d.Authorized || d.Total != 1 {
		t.Fatalf("unexpected decision: %+v", d)
	}
}
