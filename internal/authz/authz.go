// Package authz implements the Authorization Engine of spec.md §4.4: a
// pure quorum-threshold decision over a verified fingerprint set,
// generalizing the teacher's stake-weighted consensus quorum check
// (chain/consensus/multi_validator_consensus.go's CheckConsensus) from
// a fraction of total enrolled stake to an absolute integer threshold,
// because spec.md defines a secret's threshold as an absolute weight
// sum rather than a percentage of enrolled weight.
package authz

import "fmt"

// WeightFunc resolves a verified signer's weight toward one secret.
// Implementations read from internal/keyring; an unknown user or an
// absent weight row both resolve to 0, per spec.md's invariants.
type WeightFunc func(fingerprint string) (int64, error)

// Decision is the outcome of an authorization check, carrying enough
// detail to populate an InsufficientAuthorization diagnostic or an
// audit row's identification.
type Decision struct {
	Authorized bool
	Total      int64
	Threshold  int64
	Signers    int
}

// Authorize sums the weight of every fingerprint in signers toward the
// given threshold and applies spec.md's two-part rule:
//
//	authorized := (total >= threshold) && (len(signers) >= 1)
//
// The second clause is what prevents a zero-threshold secret from
// being usable with no signatory at all (spec.md §4.4, §9 open
// question (a)) — ties at exactly the threshold authorize.
func Authorize(signers map[string]struct{}, threshold int64, weight WeightFunc) (Decision, error) {
	var total int64
	for fpr := range signers {
		w, err := weight(fpr)
		if err != nil {
			return Decision{}, fmt.Errorf("weight lookup for %s: %w", fpr, err)
		}
		if w < 0 {
			return Decision{}, fmt.Errorf("negative weight %d for %s violates invariant", w, fpr)
		}
		total += w
	}

	d := Decision{
		Total:     total,
		Threshold: threshold,
		Signers:   len(signers),
	}
	d.Authorized = total >= threshold && len(signers) >= 1
	return d, nil
}
