package matching

import (
	"strings"
	"unicode"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NameOptions controls how entity names are compared. The zero value
// applies every normalization step and requires exact equality of the
// normalized names; each Keep flag switches one step off.
type NameOptions struct {
	KeepUnicodeForms bool `mapstructure:"keep_unicode_forms"`
	KeepCase         bool `mapstructure:"keep_case"`
	KeepWhitespace   bool `mapstructure:"keep_whitespace"`
	KeepPunctuation  bool `mapstructure:"keep_punctuation"`
	MaxEditDistance  int  `mapstructure:"max_edit_distance" validate:"gte=0,lte=5"`
}

// DefaultNameOptions returns the full normalization.
func DefaultNameOptions() NameOptions {
	return NameOptions{}
}

// NameNormalizer turns display names into comparison keys.
type NameNormalizer struct {
	opts NameOptions
	fold cases.Caser
}

func NewNameNormalizer(opts NameOptions) *NameNormalizer {
	return &NameNormalizer{opts: opts, fold: cases.Fold()}
}

// Normalize returns the comparison key for a name.
func (n *NameNormalizer) Normalize(name string) string {
	if !n.opts.KeepUnicodeForms {
		name = norm.NFKC.String(name)
	}
	if !n.opts.KeepCase {
		name = n.fold.String(name)
	}
	if !n.opts.KeepPunctuation {
		name = strings.Map(func(r rune) rune {
			if unicode.IsPunct(r) || unicode.IsSymbol(r) {
				return ' '
			}
			return r
		}, name)
	}
	if !n.opts.KeepWhitespace {
		name = strings.Join(strings.Fields(name), " ")
	} else {
		name = strings.TrimSpace(name)
	}
	return name
}

// Equal compares two already normalized names.
func (n *NameNormalizer) Equal(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	if n.opts.MaxEditDistance <= 0 {
		return false
	}
	return fuzzy.LevenshteinDistance(a, b) <= n.opts.MaxEditDistance
}
