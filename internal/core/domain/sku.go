package domain

import (
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
)

const skuPrefixLen = 3

// SKUGenerator issues category-prefixed SKUs. The suffix is a base-36
// counter seeded from wall-clock milliseconds and forced strictly upward,
// so two creates in the same millisecond still get distinct values.
type SKUGenerator struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func NewSKUGenerator() *SKUGenerator {
	return &SKUGenerator{now: time.Now}
}

func (g *SKUGenerator) Next(category string) string {
	g.mu.Lock()
	seq := g.now().UnixMilli()
	if seq <= g.last {
		seq = g.last + 1
	}
	g.last = seq
	g.mu.Unlock()

	return SKUPrefix(category) + "-" + strings.ToUpper(strconv.FormatInt(seq, 36))
}

// SKUPrefix takes the first three letters of the category, upper-cased.
// Categories without letters use GEN; shorter ones are padded with X.
func SKUPrefix(category string) string {
	var b strings.Builder
	for _, r := range category {
		if b.Len() == skuPrefixLen {
			break
		}
		if r < unicode.MaxASCII && unicode.IsLetter(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	if b.Len() == 0 {
		return "GEN"
	}
	for b.Len() < skuPrefixLen {
		b.WriteByte('X')
	}
	return b.String()
}
