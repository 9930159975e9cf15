package parser

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		query string
		terms []string
	}{
		{"single", "alpine", []string{"ALPINE"}},
		{"punctuation splits", "alpine-meadow", []string{"ALPINE", "MEADOW"}},
		{"no second decode", "red%20fox", []string{"RED", "20FOX"}},
		{"duplicates dropped", "fox FOX Fox", []string{"FOX"}},
		{"extra whitespace", "  red \t fox  ", []string{"RED", "FOX"}},
		{"blank", "   ", []string{}},
		{"percent is a separator", "100%", []string{"100"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Parse(tt.query)
			assert.Equal(t, tt.terms, plan.Terms)
			assert.Equal(t, tt.query, plan.RawQuery)
		})
	}
}

func TestParseCapsTerms(t *testing.T) {
	words := make([]string, 300)
	for i := range words {
		words[i] = fmt.Sprintf("t%d", i)
	}
	plan := Parse(strings.Join(words, " "))
	assert.Len(t, plan.Terms, MaxTerms)
	assert.Equal(t, "T0", plan.Terms[0])
}

func TestKeyIgnoresOrder(t *testing.T) {
	assert.Equal(t, Parse("red fox").Key(), Parse("FOX red").Key())
	assert.NotEqual(t, Parse("red fox").Key(), Parse("red").Key())
}
