// Package tokenizer splits caption text into index terms.
// Terms are upper-cased runs of ASCII letters and digits; each token records
// the byte offset where it starts so hits can be mapped back into the stored
// description for snippets.
package tokenizer

import (
	"strings"
	"unicode/utf8"

	apperrors "github.com/econaxis/imgrepo/pkg/errors"
)

// MaxTermLength caps a single term. Longer runs are truncated.
const MaxTermLength = 64

// Token represents a single normalised term and its byte position in the
// original text.
type Token struct {
	Term     string
	Position int
}

// ValidateASCII returns an *errors.EncodingError for the first byte of
// content outside 7-bit ASCII.
func ValidateASCII(content []byte) error {
	for i, b := range content {
		if b >= 0x80 {
			return &apperrors.EncodingError{Offset: i, Byte: b}
		}
	}
	return nil
}

// Tokenize breaks ASCII content into upper-cased Tokens. Callers validate
// the encoding first; bytes >= 0x80 are treated as separators.
func Tokenize(content []byte) []Token {
	tokens := make([]Token, 0, len(content)/6+1)
	start := -1
	for i := 0; i <= len(content); i++ {
		if i < len(content) && isTermByte(content[i]) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			end := i
			if end-start > MaxTermLength {
				end = start + MaxTermLength
			}
			tokens = append(tokens, Token{
				Term:     upper(content[start:end]),
				Position: start,
			})
			start = -1
		}
	}
	return tokens
}

// QueryTerms upper-cases a query and splits it the way Tokenize splits
// content: any byte that is not an ASCII letter or digit separates terms,
// and long terms are cut at MaxTermLength. Repeated terms are dropped,
// first occurrence wins.
func QueryTerms(query string) []string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return r >= utf8.RuneSelf || !isTermByte(byte(r))
	})
	seen := make(map[string]struct{}, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) > MaxTermLength {
			f = f[:MaxTermLength]
		}
		f = upper([]byte(f))
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		terms = append(terms, f)
	}
	return terms
}

func isTermByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func upper(b []byte) string {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
