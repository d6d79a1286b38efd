// Package mattermost implements the platform adapter for Mattermost:
// posts and reactions over the REST API v4, inbound events over the
// websocket stream.
package mattermost

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/anneschuth/claude-threads-sub002/internal/common/config"
	"github.com/anneschuth/claude-threads-sub002/internal/common/logger"
	"github.com/anneschuth/claude-threads-sub002/internal/platform"
)

const (
	restTimeout = 30 * time.Second

	// Mattermost caps posts at 16383 characters; stay under it and
	// leave the streaming engine room to split at a clean boundary.
	maxLength     = 16000
	hardThreshold = 12000

	userCacheTTL   = time.Hour
	threadCacheTTL = 24 * time.Hour
	cacheSweep     = 10 * time.Minute
)

// Client is the Mattermost platform adapter. New returns it
// disconnected; Connect resolves the bot identity and opens the event
// stream.
type Client struct {
	cfg        config.MattermostConfig
	baseURL    string
	httpClient *http.Client
	log        *logger.Logger

	botName    string
	botMention string
	botUser    *platform.User

	allowed map[string]struct{}

	mu            sync.RWMutex
	handlers      platform.Handlers
	channelFilter map[string]struct{}

	users   *gocache.Cache // user id → *platform.User
	threads *gocache.Cache // thread id → channel id

	stream *eventStream
}

func New(cfg config.MattermostConfig, log *logger.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("mattermost: url is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("mattermost: token is required")
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedUsers))
	for _, u := range cfg.AllowedUsers {
		allowed[strings.ToLower(u)] = struct{}{}
	}

	return &Client{
		cfg:        cfg,
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{Timeout: restTimeout},
		log:        log.WithFields(zap.String("component", "mattermost")),
		allowed:    allowed,
		users:      gocache.New(userCacheTTL, cacheSweep),
		threads:    gocache.New(threadCacheTTL, cacheSweep),
	}, nil
}

// ID returns the stable platform identifier.
func (c *Client) ID() string { return "mattermost" }

// SetHandlers registers inbound event callbacks. Must be called before
// Connect.
func (c *Client) SetHandlers(h platform.Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

func (c *Client) handlersSnapshot() platform.Handlers {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handlers
}

// Connect resolves the bot user and the configured channels, then opens
// the websocket event stream. ctx bounds the stream's lifetime: when it
// is canceled the stream stops reconnecting.
func (c *Client) Connect(ctx context.Context) error {
	me, err := c.getMe(ctx)
	if err != nil {
		return fmt.Errorf("mattermost: resolve bot user: %w", err)
	}

	c.botName = c.cfg.BotName
	if c.botName == "" {
		c.botName = me.Username
	}
	c.botMention = "@" + strings.ToLower(c.botName)
	c.botUser = &platform.User{
		ID:          me.ID,
		Username:    me.Username,
		DisplayName: displayName(me),
		IsBot:       true,
	}
	c.users.Set(me.ID, c.botUser, gocache.NoExpiration)

	if len(c.cfg.Channels) > 0 {
		filter, err := c.resolveChannels(ctx)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.channelFilter = filter
		c.mu.Unlock()
	}

	stream := newEventStream(c)
	if err := stream.start(ctx); err != nil {
		return fmt.Errorf("mattermost: open event stream: %w", err)
	}
	c.stream = stream

	c.log.Info("connected to Mattermost",
		zap.String("bot", me.Username),
		zap.String("url", c.baseURL),
		zap.Int("channel_filter", len(c.cfg.Channels)))
	return nil
}

// Disconnect tears down the event stream.
func (c *Client) Disconnect() error {
	if c.stream != nil {
		c.stream.close()
		c.stream = nil
	}
	return nil
}

// resolveChannels maps the configured channel names to ids within the
// configured team. Unknown channels are skipped with a warning so one
// stale name does not keep the bot offline.
func (c *Client) resolveChannels(ctx context.Context) (map[string]struct{}, error) {
	team, err := c.teamByName(ctx, c.cfg.Team)
	if err != nil {
		return nil, fmt.Errorf("mattermost: resolve team %q: %w", c.cfg.Team, err)
	}

	filter := make(map[string]struct{}, len(c.cfg.Channels))
	for _, name := range c.cfg.Channels {
		ch, err := c.channelByName(ctx, team.ID, name)
		if err != nil {
			c.log.Warn("channel not found, skipping",
				zap.String("channel", name), zap.Error(err))
			continue
		}
		filter[ch.ID] = struct{}{}
	}
	return filter, nil
}

func (c *Client) channelAllowed(channelID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.channelFilter) == 0 {
		return true
	}
	_, ok := c.channelFilter[channelID]
	return ok
}

// Formatter returns the Mattermost markdown renderer.
func (c *Client) Formatter() platform.Formatter { return formatter{} }

// MessageLimits returns post size constraints.
func (c *Client) MessageLimits() platform.MessageLimits {
	return platform.MessageLimits{MaxLength: maxLength, HardThreshold: hardThreshold}
}

// BotName returns the bot's username.
func (c *Client) BotName() string { return c.botName }

// BotUser returns the bot's own user record. Nil before Connect.
func (c *Client) BotUser() *platform.User { return c.botUser }

// IsBotMentioned reports whether text mentions the bot.
func (c *Client) IsBotMentioned(text string) bool {
	return containsMention(text, c.botMention)
}

// ExtractPrompt strips the bot mention from text.
func (c *Client) ExtractPrompt(text string) string {
	return stripMention(text, c.botMention)
}

// IsUserAllowed reports whether a username may start sessions. An empty
// allowlist admits everyone.
func (c *Client) IsUserAllowed(username string) bool {
	if len(c.allowed) == 0 {
		return true
	}
	_, ok := c.allowed[strings.ToLower(username)]
	return ok
}

// SendTyping shows a typing indicator in the thread. Requires a live
// event stream; the caller treats failures as best-effort.
func (c *Client) SendTyping(ctx context.Context, threadID string) error {
	if c.stream == nil {
		return fmt.Errorf("mattermost: not connected")
	}
	channelID, err := c.channelForThread(ctx, threadID)
	if err != nil {
		return err
	}
	return c.stream.sendTyping(channelID, threadID)
}

// containsMention reports whether text contains mention as a whole
// word. mention must be lowercase. Mattermost usernames are made of
// letters, digits, periods, dashes and underscores; those characters on
// either side mean the match is part of a longer token.
func containsMention(text, mention string) bool {
	if mention == "" {
		return false
	}
	lower := strings.ToLower(text)
	for i := 0; ; {
		j := strings.Index(lower[i:], mention)
		if j < 0 {
			return false
		}
		j += i
		end := j + len(mention)
		startOK := j == 0 || !isNamePart(lower[j-1])
		endOK := end == len(lower) || !isNamePart(lower[end])
		if startOK && endOK {
			return true
		}
		i = end
	}
}

// stripMention removes whole-word occurrences of mention, preserving
// the rest of the text including newlines.
func stripMention(text, mention string) string {
	if mention == "" {
		return strings.TrimSpace(text)
	}
	lower := strings.ToLower(text)
	var b strings.Builder
	i := 0
	for {
		j := strings.Index(lower[i:], mention)
		if j < 0 {
			b.WriteString(text[i:])
			break
		}
		j += i
		end := j + len(mention)
		startOK := j == 0 || !isNamePart(lower[j-1])
		endOK := end == len(lower) || !isNamePart(lower[end])
		if !startOK || !endOK {
			b.WriteString(text[i:end])
			i = end
			continue
		}
		b.WriteString(text[i:j])
		// Swallow one space after the mention so "@bot fix it" strips
		// to "fix it" rather than " fix it".
		if end < len(text) && text[end] == ' ' {
			end++
		}
		i = end
	}
	return strings.TrimSpace(b.String())
}

func isNamePart(b byte) bool {
	return b == '.' || b == '-' || b == '_' ||
		(b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

func displayName(u *apiUser) string {
	if u.Nickname != "" {
		return u.Nickname
	}
	full := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if full != "" {
		return full
	}
	return u.Username
}
