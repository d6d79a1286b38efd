package message

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/anneschuth/claude-threads-sub002/internal/platform"
)

func testLimits() platform.MessageLimits {
	return platform.MessageLimits{MaxLength: 16000, HardThreshold: 12000}
}

func TestSoftThreshold(t *testing.T) {
	assert.Equal(t, 10000, SoftThreshold(platform.MessageLimits{HardThreshold: 12000}))

	// When the margin would leave too little room the threshold drops to
	// half the hard limit instead.
	assert.Equal(t, 1500, SoftThreshold(platform.MessageLimits{HardThreshold: 3000}))
}

func TestBreakShortContentStaysWhole(t *testing.T) {
	b := NewBreaker()

	first, rest := b.Break("hello world", testLimits())
	assert.Equal(t, "hello world", first)
	assert.Empty(t, rest)

	exact := strings.Repeat("a", 12000)
	first, rest = b.Break(exact, testLimits())
	assert.Equal(t, exact, first)
	assert.Empty(t, rest)
}

func TestBreakPrefersBlankLine(t *testing.T) {
	b := NewBreaker()

	para := strings.Repeat("a", 11000)
	tail := strings.Repeat("b", 4000)
	content := para + "\n\n" + tail

	first, rest := b.Break(content, testLimits())
	assert.Equal(t, para, first)
	assert.Equal(t, tail, rest)
}

func TestBreakFallsBackToNewline(t *testing.T) {
	b := NewBreaker()

	line := strings.Repeat("a", 11000)
	tail := strings.Repeat("b", 4000)
	content := line + "\n" + tail

	first, rest := b.Break(content, testLimits())
	assert.Equal(t, line, first)
	assert.Equal(t, tail, rest)
}

func TestBreakFallsBackToSentence(t *testing.T) {
	b := NewBreaker()

	sentence := strings.Repeat("a", 11000) + "."
	tail := strings.Repeat("b", 4000)
	content := sentence + " " + tail

	first, rest := b.Break(content, testLimits())
	assert.Equal(t, sentence, first, "the period should stay with the first chunk")
	assert.Equal(t, tail, rest)
}

func TestBreakFallsBackToSpace(t *testing.T) {
	b := NewBreaker()

	word := strings.Repeat("a", 11000)
	tail := strings.Repeat("b", 4000)
	content := word + " " + tail

	first, rest := b.Break(content, testLimits())
	assert.Equal(t, word, first)
	assert.Equal(t, tail, rest)
}

func TestBreakStreamSplitsAboveSoftThreshold(t *testing.T) {
	b := NewBreaker()

	para := strings.Repeat("a", 10500)
	tail := strings.Repeat("b", 498)
	content := para + "\n\n" + tail

	// Under the hard threshold Break keeps the content whole, but the
	// streaming variant already freezes at the paragraph boundary.
	first, rest := b.Break(content, testLimits())
	assert.Equal(t, content, first)
	assert.Empty(t, rest)

	first, rest = b.BreakStream(content, testLimits())
	assert.Equal(t, para, first)
	assert.Equal(t, tail, rest)
}

func TestBreakStreamKeepsUnbreakableContentWhole(t *testing.T) {
	b := NewBreaker()

	content := strings.Repeat("a", 11000)
	first, rest := b.BreakStream(content, testLimits())
	assert.Equal(t, content, first)
	assert.Empty(t, rest)
}

func TestBreakHardCutWithoutBoundary(t *testing.T) {
	b := NewBreaker()

	content := strings.Repeat("a", 15000)
	first, rest := b.Break(content, testLimits())
	assert.Len(t, first, 12000)
	assert.Len(t, rest, 3000)
	assert.Equal(t, content, first+rest)
}

func TestBreakHardCutKeepsRunesIntact(t *testing.T) {
	b := NewBreaker()

	// Two-byte runes with an odd hard threshold force the cut off a rune
	// boundary.
	content := strings.Repeat("é", 7000)
	limits := platform.MessageLimits{MaxLength: 16000, HardThreshold: 11999}

	first, rest := b.Break(content, limits)
	assert.True(t, utf8.ValidString(first))
	assert.True(t, utf8.ValidString(rest))
	assert.Equal(t, content, first+rest)
	assert.LessOrEqual(t, len(first), 11999)
}

func TestBreakAvoidsFenceWhenBoundaryOutside(t *testing.T) {
	b := NewBreaker()

	prose := strings.Repeat("a", 10200)
	code := "```go\n" + strings.Repeat("x", 1200) + "\n\n" + strings.Repeat("y", 3000) + "\n```\n"
	content := prose + "\n\n" + code

	first, rest := b.Break(content, testLimits())
	assert.Equal(t, prose, first, "the cut should land on the blank line before the fence")
	assert.True(t, strings.HasPrefix(rest, "```go\n"))
}

func TestBreakRepairsFenceWhenUnavoidable(t *testing.T) {
	b := NewBreaker()

	content := "```python\n" + strings.Repeat("z", 11000) + "\n" + strings.Repeat("w", 4000) + "\n```\n"

	first, rest := b.Break(content, testLimits())
	assert.True(t, strings.HasSuffix(first, "\n```"), "the first chunk should close the fence")
	assert.True(t, strings.HasPrefix(rest, "```python\n"), "the remainder should reopen the fence with its language")
	assert.LessOrEqual(t, len(first), 12000)
}

func TestSplitMessageExactLimitStaysWhole(t *testing.T) {
	b := NewBreaker()

	content := strings.Repeat("a", 10000)
	chunks := b.SplitMessage(content, 10000)
	require.Len(t, chunks, 1)
	assert.Equal(t, content, chunks[0])
}

func TestSplitMessageOneOverLimitSplits(t *testing.T) {
	b := NewBreaker()

	content := strings.Repeat("a", 9000) + " " + strings.Repeat("b", 1000)
	chunks := b.SplitMessage(content, 10000)
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 9000), chunks[0])
	assert.Equal(t, strings.Repeat("b", 1000), chunks[1])
}

func TestSplitMessageMultipleChunks(t *testing.T) {
	b := NewBreaker()

	paras := make([]string, 5)
	for i := range paras {
		paras[i] = strings.Repeat(string(rune('a'+i)), 3000)
	}
	content := strings.Join(paras, "\n\n")

	chunks := b.SplitMessage(content, 7000)
	require.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 7000)
	}
	assert.Equal(t, content, strings.Join(chunks, "\n\n"))
}

// buildProse assembles fence-free content from generated words joined by
// boundary markers, so every property below exercises the real cut
// classes without triggering fence repair.
func buildProse(rt *rapid.T, minWords, maxWords int, alphabet string) string {
	words := rapid.SliceOfN(rapid.StringMatching(alphabet), minWords, maxWords).Draw(rt, "words")
	seps := []string{" ", "\n", "\n\n", ". ", "! "}
	var sb strings.Builder
	for i, w := range words {
		if i > 0 {
			sb.WriteString(seps[rapid.IntRange(0, len(seps)-1).Draw(rt, "sep")])
		}
		sb.WriteString(w)
	}
	return sb.String()
}

// stripSpacing removes the characters a cut is allowed to consume, so
// two strings compare equal iff they carry the same visible text.
func stripSpacing(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\n' {
			return -1
		}
		return r
	}, s)
}

func TestBreakPropertyFirstChunkFitsHardThreshold(t *testing.T) {
	b := NewBreaker()

	rapid.Check(t, func(rt *rapid.T) {
		content := buildProse(rt, 40, 400, `[a-zA-Z0-9]{1,12}`)
		hard := rapid.IntRange(100, 2000).Draw(rt, "hard")
		limits := platform.MessageLimits{MaxLength: hard + 4000, HardThreshold: hard}

		first, rest := b.Break(content, limits)
		if len(first) > hard {
			rt.Fatalf("first chunk is %d bytes, over the %d hard threshold", len(first), hard)
		}
		if rest != "" && len(first) == 0 {
			rt.Fatalf("split produced an empty first chunk")
		}
		if len(content) > hard && len(rest) >= len(content) {
			rt.Fatalf("remainder did not shrink: %d of %d bytes", len(rest), len(content))
		}
	})
}

func TestBreakPropertyNoVisibleTextLost(t *testing.T) {
	b := NewBreaker()

	rapid.Check(t, func(rt *rapid.T) {
		content := buildProse(rt, 40, 400, `[a-zA-Z0-9]{1,12}`)
		hard := rapid.IntRange(100, 2000).Draw(rt, "hard")
		limits := platform.MessageLimits{MaxLength: hard + 4000, HardThreshold: hard}

		first, rest := b.Break(content, limits)
		if got, want := stripSpacing(first+rest), stripSpacing(content); got != want {
			rt.Fatalf("visible text changed across the cut:\n got %q\nwant %q", got, want)
		}
	})
}

func TestBreakStreamPropertyKeepsRunesIntact(t *testing.T) {
	b := NewBreaker()

	rapid.Check(t, func(rt *rapid.T) {
		content := buildProse(rt, 40, 300, `[a-zé日0-9]{1,8}`)
		hard := rapid.IntRange(100, 1500).Draw(rt, "hard")
		limits := platform.MessageLimits{MaxLength: hard + 4000, HardThreshold: hard}

		first, rest := b.BreakStream(content, limits)
		if !utf8.ValidString(first) || !utf8.ValidString(rest) {
			rt.Fatalf("cut split a UTF-8 sequence")
		}
		if got, want := stripSpacing(first+rest), stripSpacing(content); got != want {
			rt.Fatalf("visible text changed across the cut:\n got %q\nwant %q", got, want)
		}
	})
}

func TestSplitMessagePropertyEveryChunkFits(t *testing.T) {
	b := NewBreaker()

	rapid.Check(t, func(rt *rapid.T) {
		content := buildProse(rt, 40, 400, `[a-zA-Z0-9]{1,12}`)
		maxLength := rapid.IntRange(80, 1500).Draw(rt, "maxLength")

		chunks := b.SplitMessage(content, maxLength)
		var joined strings.Builder
		for i, c := range chunks {
			if len(c) > maxLength {
				rt.Fatalf("chunk %d is %d bytes, over the %d limit", i, len(c), maxLength)
			}
			joined.WriteString(c)
		}
		if got, want := stripSpacing(joined.String()), stripSpacing(content); got != want {
			rt.Fatalf("visible text changed across the split:\n got %q\nwant %q", got, want)
		}
	})
}

func TestOpenFence(t *testing.T) {
	lang, open := openFence("plain text\nmore text")
	assert.False(t, open)
	assert.Empty(t, lang)

	lang, open = openFence("before\n```go\nfunc main() {}")
	assert.True(t, open)
	assert.Equal(t, "go", lang)

	_, open = openFence("before\n```go\ncode\n```\nafter")
	assert.False(t, open)

	lang, open = openFence("```\nraw")
	assert.True(t, open)
	assert.Empty(t, lang)
}
