package stringutil

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", Truncate("hello", 10))
	assert.Equal(t, "hello", Truncate("hello", 5))
	assert.Equal(t, "hell…", Truncate("hello!", 5))
	assert.Equal(t, "", Truncate("hello", 0))

	// The budget counts runes, not bytes.
	long := strings.Repeat("é", 10)
	got := Truncate(long, 5)
	assert.Equal(t, 5, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "…"))
}

func TestTruncateBytes(t *testing.T) {
	assert.Equal(t, "hello", TruncateBytes("hello", 10))
	assert.Equal(t, "hello", TruncateBytes("hello", 5))
	assert.Equal(t, "hell…", TruncateBytes("hello!", 4))
	assert.Equal(t, "", TruncateBytes("hello", 0))

	// A cut never lands inside a UTF-8 sequence.
	long := strings.Repeat("é", 10)
	got := TruncateBytes(long, 5)
	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasSuffix(got, "…"))
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "title", FirstLine("title\nbody\nmore"))
	assert.Equal(t, "no newline", FirstLine("no newline"))
	assert.Equal(t, "", FirstLine("\nleading"))
	assert.Equal(t, "", FirstLine(""))
}
