package session

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/anneschuth/claude-threads-sub002/internal/platform"
)

const stickyMinRefresh = 30 * time.Second

// stickyPost is the channel-level summary of a channel's active
// sessions. It gets reposted when other traffic buries it, so it stays
// the channel's last message.
type stickyPost struct {
	postID      string
	lastRefresh time.Time
}

func stickyKey(platformID, channelID string) string {
	return platformID + "/" + channelID
}

// refreshStickies rebuilds the channel summaries. Without force a
// summary refreshes at most once per stickyMinRefresh. Platform calls
// run outside the sticky lock.
func (m *Manager) refreshStickies(force bool) {
	type action struct {
		client    platform.Client
		key       string
		channelID string
		postID    string
		content   string // empty means delete
	}

	byChannel := make(map[string][]*Session)
	for _, s := range m.registry.Active() {
		ch := s.ChannelID()
		if ch == "" {
			continue
		}
		key := stickyKey(s.PlatformID, ch)
		byChannel[key] = append(byChannel[key], s)
	}

	now := time.Now()
	var acts []action

	m.stickyMu.Lock()
	for key, sp := range m.stickies {
		if len(byChannel[key]) > 0 {
			continue
		}
		platformID, channelID, _ := strings.Cut(key, "/")
		if client, ok := m.platforms[platformID]; ok {
			acts = append(acts, action{client: client, key: key, channelID: channelID, postID: sp.postID})
		}
		delete(m.stickies, key)
	}
	for key, sessions := range byChannel {
		platformID, channelID, _ := strings.Cut(key, "/")
		client, ok := m.platforms[platformID]
		if !ok {
			continue
		}
		if _, ok := client.(platform.ChannelPoster); !ok {
			continue
		}
		sp := m.stickies[key]
		if sp != nil && !force && now.Sub(sp.lastRefresh) < stickyMinRefresh {
			continue
		}
		a := action{client: client, key: key, channelID: channelID, content: renderSticky(client, sessions)}
		if sp != nil {
			a.postID = sp.postID
			sp.lastRefresh = now
		}
		acts = append(acts, a)
	}
	m.stickyMu.Unlock()

	for _, a := range acts {
		switch {
		case a.content == "":
			ctx, cancel := callCtx()
			_ = a.client.DeletePost(ctx, a.postID)
			cancel()
		case a.postID != "":
			ctx, cancel := callCtx()
			_, err := a.client.UpdatePost(ctx, a.postID, a.content)
			cancel()
			if err != nil {
				// The post is gone; put a fresh one at the bottom.
				m.createSticky(a.client, a.key, a.channelID, a.content)
			}
		default:
			m.createSticky(a.client, a.key, a.channelID, a.content)
		}
	}
}

func (m *Manager) createSticky(client platform.Client, key, channelID, content string) {
	poster, ok := client.(platform.ChannelPoster)
	if !ok {
		return
	}
	ctx, cancel := callCtx()
	post, err := poster.CreateChannelPost(ctx, channelID, content)
	cancel()
	if err != nil {
		m.log.Debug("sticky create failed",
			zap.String("channel", channelID), zap.Error(err))
		return
	}
	m.stickyMu.Lock()
	m.stickies[key] = &stickyPost{postID: post.ID, lastRefresh: time.Now()}
	m.stickyMu.Unlock()
}

// handleChannelPost keeps the summary the channel's last message: when
// other traffic lands on the channel, the sticky is reposted below it.
func (m *Manager) handleChannelPost(client platform.Client, post *platform.Post) {
	if post == nil || post.ThreadID != "" {
		return
	}
	if bot := client.BotUser(); bot != nil && post.UserID == bot.ID {
		return
	}

	key := stickyKey(client.ID(), post.ChannelID)
	m.stickyMu.Lock()
	sp, ok := m.stickies[key]
	if !ok || time.Since(sp.lastRefresh) < stickyMinRefresh {
		m.stickyMu.Unlock()
		return
	}
	oldID := sp.postID
	delete(m.stickies, key)
	m.stickyMu.Unlock()

	ctx, cancel := callCtx()
	_ = client.DeletePost(ctx, oldID)
	cancel()

	var sessions []*Session
	for _, s := range m.registry.Active() {
		if s.PlatformID == client.ID() && s.ChannelID() == post.ChannelID {
			sessions = append(sessions, s)
		}
	}
	if len(sessions) == 0 {
		return
	}
	m.createSticky(client, key, post.ChannelID, renderSticky(client, sessions))
}

func renderSticky(client platform.Client, sessions []*Session) string {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Number() < sessions[j].Number()
	})

	f := client.Formatter()
	noun := "sessions"
	if len(sessions) == 1 {
		noun = "session"
	}
	var b strings.Builder
	b.WriteString("🤖 " + f.FormatBold(fmt.Sprintf("%d active %s", len(sessions), noun)))
	for _, s := range sessions {
		title := s.Title()
		if title == "" {
			title = "untitled"
		}
		marker := "💤"
		if s.Busy() {
			marker = "⏳"
		}
		b.WriteString("\n" + f.FormatListItem(fmt.Sprintf("%s #%d %s (%s, %d messages)",
			marker, s.Number(), title, mention(client, s.Owner()), s.MessageCount())))
	}
	return b.String()
}
