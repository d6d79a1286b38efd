// Package emoji normalizes platform reaction names into the semantic
// categories the session runtime acts on. Adapters translate their
// platform-specific aliases (unicode literals, Slack names) to canonical
// names before events reach the runtime, so routing code never matches
// raw emoji strings.
package emoji

// Kind is a semantic reaction category.
type Kind int

const (
	Unknown Kind = iota
	Number       // index selection for questions and context prompts
	Approve      // +1 on approvals, join on worktree prompts, update now
	Deny         // -1; also "skip" on context prompts
	AllowAll     // approve and invite the sender
	Minimize     // collapse or expand a task list / subagent post
	Cancel       // cancel session (on the session-start post)
	Escape       // interrupt session (on the session-start post)
	Resume       // resume a paused session (on a lifecycle post)
	Skip         // dismiss a worktree prompt
	BugReport    // start a bug report from an error post
)

// Emoji is a normalized reaction. Index is the zero-based selection for
// Number kinds and -1 otherwise.
type Emoji struct {
	Kind  Kind
	Name  string // canonical name
	Index int
}

// Canonical reaction names. Adapters seed interactive posts with these;
// Normalize maps inbound aliases back onto them.
const (
	NameApprove   = "+1"
	NameDeny      = "-1"
	NameAllowAll  = "white_check_mark"
	NameMinimize  = "arrow_down_small"
	NameCancel    = "octagonal_sign"
	NameEscape    = "raised_hand"
	NameResume    = "arrow_forward"
	NameSkip      = "x"
	NameBugReport = "bug"
)

var numberNames = []string{"one", "two", "three", "four", "five", "six", "seven", "eight", "nine"}

// aliases maps platform-specific names onto canonical names.
var aliases = map[string]string{
	"thumbsup":               NameApprove,
	"thumbs_up":              NameApprove,
	"thumbsdown":             NameDeny,
	"thumbs_down":            NameDeny,
	"heavy_check_mark":       NameAllowAll,
	"arrow_up_small":         NameMinimize,
	"no_entry_sign":          NameCancel,
	"stop_sign":              NameCancel,
	"hand":                   NameEscape,
	"play_button":            NameResume,
	"heavy_multiplication_x": NameSkip,
	"lady_beetle":            NameBugReport,
	// Unicode literals arrive from platforms that do not resolve names.
	"1️⃣": "one",
	"2️⃣": "two",
	"3️⃣": "three",
	"4️⃣": "four",
	"5️⃣": "five",
	"6️⃣": "six",
	"7️⃣": "seven",
	"8️⃣": "eight",
	"9️⃣": "nine",
	"\U0001f44d":    NameApprove,
	"\U0001f44e":    NameDeny,
	"❌":        NameSkip,
}

var kinds = map[string]Kind{
	NameApprove:   Approve,
	NameDeny:      Deny,
	NameAllowAll:  AllowAll,
	NameMinimize:  Minimize,
	NameCancel:    Cancel,
	NameEscape:    Escape,
	NameResume:    Resume,
	NameSkip:      Skip,
	NameBugReport: BugReport,
}

// Normalize maps a raw reaction name to its semantic category.
// Unrecognized names return Kind Unknown with the raw name preserved.
func Normalize(raw string) Emoji {
	name := raw
	if canonical, ok := aliases[raw]; ok {
		name = canonical
	}

	for i, n := range numberNames {
		if name == n {
			return Emoji{Kind: Number, Name: n, Index: i}
		}
	}

	if kind, ok := kinds[name]; ok {
		return Emoji{Kind: kind, Name: name, Index: -1}
	}
	return Emoji{Kind: Unknown, Name: raw, Index: -1}
}

// NumberName returns the canonical reaction name for a zero-based index,
// or empty when the index has no emoji.
func NumberName(index int) string {
	if index < 0 || index >= len(numberNames) {
		return ""
	}
	return numberNames[index]
}

// MaxNumber is the largest selectable option count via number reactions.
func MaxNumber() int {
	return len(numberNames)
}
