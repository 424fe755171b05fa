package domain

import "strings"

// Pair maps a feed name to its base and target symbols.
type Pair struct {
	Name   string `db:"name"   yaml:"name"`
	Base   string `db:"base"   yaml:"base"`
	Target string `db:"target" yaml:"target"`
}

// NormalizePairName canonicalises a pair name ("eth/usd " -> "ETH/USD").
func NormalizePairName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// PairName builds the canonical name of a base/target combination.
func PairName(base, target string) string {
	return NormalizePairName(base + "/" + target)
}
