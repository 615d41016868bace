// Package rewrite replaces exact occurrences of a target string, either over
// a whole string or incrementally over a stream.
//
// The scan keeps a single partial-match offset. It does not look for
// overlapping occurrences: searching "aab" in "aaab" misses the match that
// starts at index 1. Targets used by the proxy contain "://" and never
// overlap themselves.
package rewrite

import (
	"golang.org/x/text/transform"
)

// Replace substitutes every occurrence of target in input. When nothing was
// replaced it returns input itself and false.
func Replace(input, target, substitute string) (string, bool) {
	if input == "" || target == "" {
		return input, false
	}

	r := NewRewriter([]byte(target), []byte(substitute))
	out, _, err := transform.String(r, input)
	if err != nil || !r.Changed() {
		return input, false
	}
	return out, true
}

// Rewriter is a transform.Transformer performing the same scan as Replace.
// The partial-match offset survives between Transform calls, so matches
// that straddle chunk boundaries are still found.
type Rewriter struct {
	target     []byte
	substitute []byte

	offset  int // bytes of target matched so far
	changed bool
}

var _ transform.Transformer = (*Rewriter)(nil)

// NewRewriter returns a Rewriter replacing target with substitute.
func NewRewriter(target, substitute []byte) *Rewriter {
	return &Rewriter{target: target, substitute: substitute}
}

// Changed reports whether at least one replacement has been made since the
// last Reset.
func (r *Rewriter) Changed() bool { return r.changed }

// Reset implements transform.Transformer.
func (r *Rewriter) Reset() {
	r.offset = 0
	r.changed = false
}

// Transform implements transform.Transformer.
func (r *Rewriter) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	if len(r.target) == 0 {
		n := copy(dst, src)
		if n < len(src) {
			return n, n, transform.ErrShortDst
		}
		return n, n, nil
	}

	for nSrc < len(src) {
		c := src[nSrc]

		if c == r.target[r.offset] {
			if r.offset+1 < len(r.target) {
				r.offset++
				nSrc++
				continue
			}
			if len(dst)-nDst < len(r.substitute) {
				return nDst, nSrc, transform.ErrShortDst
			}
			nDst += copy(dst[nDst:], r.substitute)
			nSrc++
			r.offset = 0
			r.changed = true
			continue
		}

		if r.offset > 0 {
			// Broken partial match: flush it, then look at c again from
			// position 0.
			if len(dst)-nDst < r.offset {
				return nDst, nSrc, transform.ErrShortDst
			}
			nDst += copy(dst[nDst:], r.target[:r.offset])
			r.offset = 0
			continue
		}

		if nDst >= len(dst) {
			return nDst, nSrc, transform.ErrShortDst
		}
		dst[nDst] = c
		nDst++
		nSrc++
	}

	if atEOF && r.offset > 0 {
		if len(dst)-nDst < r.offset {
			return nDst, nSrc, transform.ErrShortDst
		}
		nDst += copy(dst[nDst:], r.target[:r.offset])
		r.offset = 0
	}
	return nDst, nSrc, nil
}
