package parser

import (
	"strings"
	"testing"
)

func BenchmarkParse(b *testing.B) {
	queries := []struct {
		name  string
		query string
	}{
		{"single", "alpine"},
		{"escaped", "alpine%20meadow%2C%20lake"},
		{"mixed_case", "Watermelon Slice on a Plate"},
		{"long", strings.Repeat("meadow lake ridge ", 40)},
	}
	for _, q := range queries {
		b.Run(q.name, func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				_ = Parse(q.query).Key()
			}
		})
	}
}
