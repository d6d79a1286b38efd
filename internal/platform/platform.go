// Package platform defines the contract between the session runtime and
// chat platform adapters (Mattermost, Slack, ...). The runtime consumes
// this interface only; adapter internals live in subpackages.
package platform

import (
	"context"
	"time"
)

// Post is an addressable message on a chat platform.
type Post struct {
	ID        string
	Message   string
	UserID    string
	Username  string
	ChannelID string
	ThreadID  string // root post id of the thread; empty for a root post
	CreateAt  time.Time
}

// RootThreadID returns the id of the thread this post belongs to.
// A root post starts its own thread.
func (p *Post) RootThreadID() string {
	if p.ThreadID != "" {
		return p.ThreadID
	}
	return p.ID
}

// User is a platform user.
type User struct {
	ID          string
	Username    string
	DisplayName string
	IsBot       bool
}

// Reaction is an emoji reaction on a post. EmojiName is the platform's
// raw name; adapters normalize it before the runtime sees it.
type Reaction struct {
	PostID    string
	EmojiName string
	Username  string
}

// MessageLimits describes platform post size constraints.
// MaxLength is the absolute post limit; HardThreshold is where the
// runtime force-splits streaming content.
type MessageLimits struct {
	MaxLength     int
	HardThreshold int
}

// Formatter renders markup in the platform's dialect.
type Formatter interface {
	FormatBold(text string) string
	FormatItalic(text string) string
	FormatCode(text string) string
	FormatCodeBlock(text, language string) string
	FormatLink(text, url string) string
	FormatStrikethrough(text string) string
	FormatUserMention(username string) string
	FormatHorizontalRule() string
	FormatListItem(text string) string
	FormatNumberedListItem(index int, text string) string
	FormatHeading(level int, text string) string
	EscapeText(text string) string
	FormatTable(headers []string, rows [][]string) string
	FormatKeyValueList(pairs [][2]string) string
}

// Handlers carries the callbacks a platform adapter invokes on inbound
// activity. Nil members are skipped.
type Handlers struct {
	// OnMessage fires for posts inside threads and for root posts that
	// mention the bot.
	OnMessage func(post *Post, user *User)

	// OnReaction fires when a user adds or removes a reaction.
	// added is false for removals.
	OnReaction func(reaction *Reaction, user *User, added bool)

	// OnChannelPost fires for any channel-level post, used to refresh
	// sticky summaries.
	OnChannelPost func(post *Post)
}

// Client is the platform adapter contract consumed by the session runtime.
// All mutating calls take a context carrying the per-call timeout.
type Client interface {
	// ID returns the stable platform identifier ("mattermost", "slack").
	ID() string

	// Connect establishes the event stream and registers handlers that
	// were set before the call.
	Connect(ctx context.Context) error

	// SetHandlers registers inbound event callbacks. Must be called
	// before Connect.
	SetHandlers(handlers Handlers)

	// CreatePost creates a post in a thread and returns it.
	CreatePost(ctx context.Context, threadID, content string) (*Post, error)

	// UpdatePost replaces a post's content. Fails if the post is gone.
	UpdatePost(ctx context.Context, postID, content string) (*Post, error)

	// DeletePost removes a post. Deleting an already-deleted post is not
	// an error.
	DeletePost(ctx context.Context, postID string) error

	// CreateInteractivePost creates a post and seeds the given reactions
	// as its control surface.
	CreateInteractivePost(ctx context.Context, threadID, content string, reactions []string) (*Post, error)

	// PinPost and UnpinPost are best-effort; callers ignore failures.
	PinPost(ctx context.Context, postID string) error
	UnpinPost(ctx context.Context, postID string) error

	// AddReaction and RemoveReaction are idempotent; callers ignore failures.
	AddReaction(ctx context.Context, postID, emojiName string) error
	RemoveReaction(ctx context.Context, postID, emojiName string) error

	// Formatter returns the platform markup renderer.
	Formatter() Formatter

	// MessageLimits returns post size constraints.
	MessageLimits() MessageLimits

	// IsBotMentioned reports whether text mentions the bot.
	IsBotMentioned(text string) bool

	// ExtractPrompt strips the bot mention from text.
	ExtractPrompt(text string) string

	// IsUserAllowed reports whether a username is platform-allowed.
	IsUserAllowed(username string) bool

	// BotName returns the bot's username.
	BotName() string

	// BotUser returns the bot's own user record.
	BotUser() *User

	// Disconnect tears down the event stream.
	Disconnect() error
}

// Typer is an optional capability for adapters that can show a typing
// indicator in a thread. Detected via type assertion.
type Typer interface {
	SendTyping(ctx context.Context, threadID string) error
}

// ThreadReader is an optional capability for adapters that can read back
// a thread's history. The session runtime uses it to offer earlier thread
// messages as context for a new session. Adapters without it simply never
// trigger the context prompt.
type ThreadReader interface {
	// ThreadMessageCount returns how many posts the thread holds,
	// excluding the bot's own.
	ThreadMessageCount(ctx context.Context, threadID string) (int, error)

	// ThreadMessages returns up to limit of the most recent posts in the
	// thread, oldest first, excluding the bot's own.
	ThreadMessages(ctx context.Context, threadID string, limit int) ([]*Post, error)
}

// ChannelPoster is an optional capability for adapters that can post at
// channel level, outside any thread. Used for the sticky session summary.
type ChannelPoster interface {
	CreateChannelPost(ctx context.Context, channelID, content string) (*Post, error)
}

// PluginHost is an optional capability for adapters whose platform has a
// plugin system. The !plugin command delegates here; adapters without it
// get a "not supported" reply.
type PluginHost interface {
	// HandlePluginCommand runs a plugin subcommand (list, install,
	// uninstall) and returns the text to post in the thread.
	HandlePluginCommand(ctx context.Context, subcommand, arg string) (string, error)
}
