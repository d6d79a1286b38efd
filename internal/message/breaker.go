package message

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/anneschuth/claude-threads-sub002/internal/platform"
)

// softMargin is how far below the hard threshold the breaker starts
// hunting for a natural boundary.
const softMargin = 2000

// SoftThreshold is the size at which a combined content post should be
// split instead of updated in place. It sits softMargin below the hard
// threshold, or at half the hard threshold when the margin would leave
// too little room.
func SoftThreshold(limits platform.MessageLimits) int {
	soft := limits.HardThreshold - softMargin
	if soft < 2*softMargin {
		soft = limits.HardThreshold / 2
	}
	return soft
}

// Breaker picks split points for content that overflows the platform's
// post size limits. It prefers, in order: blank lines, line breaks,
// sentence ends, word gaps, and falls back to a hard cut on a rune
// boundary. Cuts inside fenced code blocks are avoided when an
// alternative boundary exists, and repaired (fence closed on one side,
// reopened on the other) when not.
type Breaker struct{}

// NewBreaker returns a Breaker.
func NewBreaker() *Breaker { return &Breaker{} }

// Break splits content into a leading chunk that fits under the hard
// threshold and the remainder. Content at or under the threshold is
// returned whole with an empty remainder.
func (b *Breaker) Break(content string, limits platform.MessageLimits) (first, rest string) {
	hard := limits.HardThreshold
	if hard <= 0 || len(content) <= hard {
		return content, ""
	}
	soft := SoftThreshold(limits)
	if soft < 0 {
		soft = 0
	}
	return b.breakAt(content, soft, hard)
}

// BreakStream splits streamed content once it crosses the soft
// threshold, so an active post is frozen at a natural boundary well
// before the platform's hard limit. Content at or under the soft
// threshold is returned whole.
func (b *Breaker) BreakStream(content string, limits platform.MessageLimits) (first, rest string) {
	soft := SoftThreshold(limits)
	if soft <= 0 || len(content) <= soft {
		return content, ""
	}
	top := limits.HardThreshold
	if top > len(content) {
		top = len(content)
	}
	return b.breakAt(content, soft, top)
}

func (b *Breaker) breakAt(content string, soft, top int) (first, rest string) {
	cut, ok := findBoundary(content, soft, top)
	if !ok {
		end := hardCut(content, top)
		cut = cutPoint{end: end, start: end}
	}

	first = content[:cut.end]
	rest = content[cut.start:]

	lang, open := openFence(first)
	first = strings.TrimRight(first, " \t\n")
	if open {
		first += "\n```"
		rest = "```" + lang + "\n" + rest
	} else {
		rest = strings.TrimLeft(rest, "\n")
	}
	return first, rest
}

// SplitMessage splits static content into chunks no longer than
// maxLength. Content exactly at the limit stays whole.
func (b *Breaker) SplitMessage(content string, maxLength int) []string {
	if maxLength <= 0 || len(content) <= maxLength {
		return []string{content}
	}
	limits := platform.MessageLimits{MaxLength: maxLength, HardThreshold: maxLength}

	var chunks []string
	rest := content
	for rest != "" {
		var first string
		first, rest = b.Break(rest, limits)
		if first != "" {
			chunks = append(chunks, first)
		}
	}
	if len(chunks) == 0 {
		return []string{""}
	}
	return chunks
}

// cutPoint describes one candidate split: the first chunk is
// content[:end] and the remainder begins at content[start:].
type cutPoint struct {
	end   int
	start int
}

// findBoundary picks the best cut in content[soft:hard]. Within each
// boundary class the latest occurrence wins; a candidate inside an open
// code fence loses to any out-of-fence candidate of any class. When
// every candidate sits inside a fence the best in-fence one is returned
// and the caller repairs the fence.
func findBoundary(content string, soft, hard int) (cutPoint, bool) {
	window := content[soft:hard]

	classes := []func(string) []cutPoint{
		blankLineCuts,
		newlineCuts,
		sentenceCuts,
		spaceCuts,
	}

	var inFence *cutPoint
	for _, find := range classes {
		cuts := find(window)
		for i := len(cuts) - 1; i >= 0; i-- {
			c := cutPoint{end: soft + cuts[i].end, start: soft + cuts[i].start}
			if c.end == 0 {
				continue
			}
			if _, open := openFence(content[:c.end]); !open {
				return c, true
			}
			if inFence == nil {
				inFence = &c
			}
		}
	}
	if inFence != nil {
		return *inFence, true
	}
	return cutPoint{}, false
}

func markerCuts(window, marker string, endOffset, startOffset int) []cutPoint {
	var cuts []cutPoint
	for i := 0; ; {
		j := strings.Index(window[i:], marker)
		if j < 0 {
			break
		}
		pos := i + j
		cuts = append(cuts, cutPoint{end: pos + endOffset, start: pos + startOffset})
		i = pos + 1
	}
	return cuts
}

func blankLineCuts(w string) []cutPoint { return markerCuts(w, "\n\n", 0, 2) }

func newlineCuts(w string) []cutPoint { return markerCuts(w, "\n", 0, 1) }

func spaceCuts(w string) []cutPoint { return markerCuts(w, " ", 0, 1) }

func sentenceCuts(w string) []cutPoint {
	var cuts []cutPoint
	for _, m := range []string{". ", "! ", "? "} {
		cuts = append(cuts, markerCuts(w, m, 1, 2)...)
	}
	sort.Slice(cuts, func(i, j int) bool { return cuts[i].end < cuts[j].end })
	return cuts
}

// openFence reports whether s ends inside a fenced code block, along
// with the info string of the open fence.
func openFence(s string) (lang string, open bool) {
	for _, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "```") {
			continue
		}
		if open {
			open = false
			lang = ""
		} else {
			open = true
			lang = strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
		}
	}
	return lang, open
}

// hardCut returns the largest index at or below max that does not split
// a UTF-8 sequence.
func hardCut(s string, max int) int {
	if max >= len(s) {
		return len(s)
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return cut
}
