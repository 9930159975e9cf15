package tokenizer

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/econaxis/imgrepo/pkg/errors"
)

func TestTokenizeUppercasesAndRecordsOffsets(t *testing.T) {
	tokens := Tokenize([]byte("a red  Alpine-lake, 2021"))
	require.Len(t, tokens, 5)
	assert.Equal(t, Token{Term: "A", Position: 0}, tokens[0])
	assert.Equal(t, Token{Term: "RED", Position: 2}, tokens[1])
	assert.Equal(t, Token{Term: "ALPINE", Position: 7}, tokens[2])
	assert.Equal(t, Token{Term: "LAKE", Position: 14}, tokens[3])
	assert.Equal(t, Token{Term: "2021", Position: 20}, tokens[4])
}

func TestTokenizeEmpty(t *testing.T) {
	assert.Empty(t, Tokenize(nil))
	assert.Empty(t, Tokenize([]byte("  ,.; ")))
}

func TestTokenizeTruncatesLongTerms(t *testing.T) {
	long := make([]byte, MaxTermLength+10)
	for i := range long {
		long[i] = 'x'
	}
	tokens := Tokenize(long)
	require.Len(t, tokens, 1)
	assert.Len(t, tokens[0].Term, MaxTermLength)
}

func TestValidateASCII(t *testing.T) {
	require.NoError(t, ValidateASCII([]byte("plain ascii 123")))

	err := ValidateASCII([]byte("caf\xc3\xa9"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrEncoding))

	var encErr *apperrors.EncodingError
	require.True(t, errors.As(err, &encErr))
	assert.Equal(t, 3, encErr.Offset)
	assert.Equal(t, byte(0xc3), encErr.Byte)
}

func TestQueryTerms(t *testing.T) {
	assert.Equal(t, []string{"ALPINE", "LAKE"}, QueryTerms("  alpine\tLake alpine "))
	assert.Empty(t, QueryTerms("   "))
}

func TestQueryTermsSplitLikeContent(t *testing.T) {
	assert.Equal(t, []string{"SUN", "SET"}, QueryTerms("sun-set"))
	assert.Equal(t, []string{"C"}, QueryTerms("c++"))
	assert.Equal(t, []string{"CAF", "LAKE"}, QueryTerms("café lake"))
	assert.Empty(t, QueryTerms("-- %% !"))

	var contentTerms []string
	for _, tok := range Tokenize([]byte("sun-set over the lake")) {
		contentTerms = append(contentTerms, tok.Term)
	}
	assert.Subset(t, contentTerms, QueryTerms("Sun-Set, lake!"))

	long := strings.Repeat("a", MaxTermLength+5)
	assert.Equal(t, []string{strings.Repeat("A", MaxTermLength)}, QueryTerms(long))
}
