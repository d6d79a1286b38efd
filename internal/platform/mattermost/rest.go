package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/anneschuth/claude-threads-sub002/internal/platform"
	"github.com/anneschuth/claude-threads-sub002/internal/telemetry"
)

type apiPost struct {
	ID        string `json:"id"`
	CreateAt  int64  `json:"create_at"`
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	RootID    string `json:"root_id"`
	Message   string `json:"message"`
	Type      string `json:"type"`
}

type apiUser struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Nickname  string `json:"nickname"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	IsBot     bool   `json:"is_bot"`
}

type apiTeam struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type apiChannel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type apiThread struct {
	Order []string            `json:"order"`
	Posts map[string]*apiPost `json:"posts"`
}

type apiReaction struct {
	UserID    string `json:"user_id"`
	PostID    string `json:"post_id"`
	EmojiName string `json:"emoji_name"`
}

// do performs a JSON request against the REST API. payload and out may
// be nil. notFoundOK turns a 404 into success for idempotent deletes.
func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}, notFoundOK bool) error {
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	ctx, span := telemetry.TraceHTTPRequest(ctx, method, path, "mattermost")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v4"+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		telemetry.TraceHTTPResponse(span, 0, err)
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := readResponseBody(resp)
	if err != nil {
		telemetry.TraceHTTPResponse(span, resp.StatusCode, err)
		return fmt.Errorf("read response body: %w", err)
	}
	telemetry.TraceHTTPResponse(span, resp.StatusCode, nil)

	if notFoundOK && resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, truncateBody(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parse %s %s response (status %d, body: %s): %w",
				method, path, resp.StatusCode, truncateBody(respBody), err)
		}
	}
	return nil
}

func (c *Client) getMe(ctx context.Context) (*apiUser, error) {
	var me apiUser
	if err := c.do(ctx, http.MethodGet, "/users/me", nil, &me, false); err != nil {
		return nil, err
	}
	return &me, nil
}

// userByID resolves a user, caching results so the event stream does
// not hit the API for every post.
func (c *Client) userByID(ctx context.Context, id string) (*platform.User, error) {
	if cached, ok := c.users.Get(id); ok {
		return cached.(*platform.User), nil
	}

	var u apiUser
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(id), nil, &u, false); err != nil {
		return nil, err
	}
	user := &platform.User{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: displayName(&u),
		IsBot:       u.IsBot,
	}
	c.users.Set(id, user, gocache.DefaultExpiration)
	return user, nil
}

func (c *Client) teamByName(ctx context.Context, name string) (*apiTeam, error) {
	var team apiTeam
	if err := c.do(ctx, http.MethodGet, "/teams/name/"+url.PathEscape(name), nil, &team, false); err != nil {
		return nil, err
	}
	return &team, nil
}

func (c *Client) channelByName(ctx context.Context, teamID, name string) (*apiChannel, error) {
	var ch apiChannel
	path := "/teams/" + url.PathEscape(teamID) + "/channels/name/" + url.PathEscape(name)
	if err := c.do(ctx, http.MethodGet, path, nil, &ch, false); err != nil {
		return nil, err
	}
	return &ch, nil
}

// channelForThread resolves the channel a thread lives in by fetching
// its root post once and caching the mapping.
func (c *Client) channelForThread(ctx context.Context, threadID string) (string, error) {
	if cached, ok := c.threads.Get(threadID); ok {
		return cached.(string), nil
	}

	var p apiPost
	if err := c.do(ctx, http.MethodGet, "/posts/"+url.PathEscape(threadID), nil, &p, false); err != nil {
		return "", err
	}
	c.threads.Set(threadID, p.ChannelID, gocache.DefaultExpiration)
	return p.ChannelID, nil
}

func (c *Client) toPost(ap *apiPost, username string) *platform.Post {
	return &platform.Post{
		ID:        ap.ID,
		Message:   ap.Message,
		UserID:    ap.UserID,
		Username:  username,
		ChannelID: ap.ChannelID,
		ThreadID:  ap.RootID,
		CreateAt:  time.UnixMilli(ap.CreateAt),
	}
}

// CreatePost creates a post in a thread.
func (c *Client) CreatePost(ctx context.Context, threadID, content string) (*platform.Post, error) {
	channelID, err := c.channelForThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("resolve thread channel: %w", err)
	}

	payload := map[string]string{
		"channel_id": channelID,
		"root_id":    threadID,
		"message":    content,
	}
	var created apiPost
	if err := c.do(ctx, http.MethodPost, "/posts", payload, &created, false); err != nil {
		return nil, err
	}
	return c.toPost(&created, c.botName), nil
}

// CreateChannelPost creates a root post outside any thread.
func (c *Client) CreateChannelPost(ctx context.Context, channelID, content string) (*platform.Post, error) {
	payload := map[string]string{
		"channel_id": channelID,
		"message":    content,
	}
	var created apiPost
	if err := c.do(ctx, http.MethodPost, "/posts", payload, &created, false); err != nil {
		return nil, err
	}
	c.threads.Set(created.ID, created.ChannelID, gocache.DefaultExpiration)
	return c.toPost(&created, c.botName), nil
}

// UpdatePost replaces a post's content.
func (c *Client) UpdatePost(ctx context.Context, postID, content string) (*platform.Post, error) {
	payload := map[string]string{"message": content}
	var updated apiPost
	path := "/posts/" + url.PathEscape(postID) + "/patch"
	if err := c.do(ctx, http.MethodPut, path, payload, &updated, false); err != nil {
		return nil, err
	}
	return c.toPost(&updated, c.botName), nil
}

// DeletePost removes a post. A post that is already gone is not an
// error.
func (c *Client) DeletePost(ctx context.Context, postID string) error {
	return c.do(ctx, http.MethodDelete, "/posts/"+url.PathEscape(postID), nil, nil, true)
}

// CreateInteractivePost creates a post and seeds the given reactions as
// its control surface. Failed seeds are logged and skipped; the post is
// still usable through manually added reactions.
func (c *Client) CreateInteractivePost(ctx context.Context, threadID, content string, reactions []string) (*platform.Post, error) {
	post, err := c.CreatePost(ctx, threadID, content)
	if err != nil {
		return nil, err
	}
	for _, name := range reactions {
		if err := c.AddReaction(ctx, post.ID, name); err != nil {
			c.log.Warn("seed reaction failed",
				zap.String("post_id", post.ID),
				zap.String("emoji", name),
				zap.Error(err))
		}
	}
	return post, nil
}

// PinPost pins a post to its channel.
func (c *Client) PinPost(ctx context.Context, postID string) error {
	return c.do(ctx, http.MethodPost, "/posts/"+url.PathEscape(postID)+"/pin", nil, nil, false)
}

// UnpinPost unpins a post.
func (c *Client) UnpinPost(ctx context.Context, postID string) error {
	return c.do(ctx, http.MethodPost, "/posts/"+url.PathEscape(postID)+"/unpin", nil, nil, true)
}

// AddReaction adds the bot's reaction to a post. Re-adding an existing
// reaction succeeds.
func (c *Client) AddReaction(ctx context.Context, postID, emojiName string) error {
	if c.botUser == nil {
		return fmt.Errorf("mattermost: not connected")
	}
	payload := apiReaction{UserID: c.botUser.ID, PostID: postID, EmojiName: emojiName}
	return c.do(ctx, http.MethodPost, "/reactions", payload, nil, false)
}

// RemoveReaction removes the bot's reaction from a post. Removing a
// reaction that is not there is not an error.
func (c *Client) RemoveReaction(ctx context.Context, postID, emojiName string) error {
	path := "/users/me/posts/" + url.PathEscape(postID) + "/reactions/" + url.PathEscape(emojiName)
	return c.do(ctx, http.MethodDelete, path, nil, nil, true)
}

func (c *Client) getThread(ctx context.Context, threadID string) ([]*apiPost, error) {
	var thread apiThread
	path := "/posts/" + url.PathEscape(threadID) + "/thread"
	if err := c.do(ctx, http.MethodGet, path, nil, &thread, false); err != nil {
		return nil, err
	}

	posts := make([]*apiPost, 0, len(thread.Posts))
	for _, p := range thread.Posts {
		if p.Type != "" {
			continue // system messages (joins, pins, ...) are not conversation
		}
		posts = append(posts, p)
	}
	sort.Slice(posts, func(i, j int) bool { return posts[i].CreateAt < posts[j].CreateAt })
	return posts, nil
}

// ThreadMessageCount returns how many posts the thread holds, excluding
// the bot's own.
func (c *Client) ThreadMessageCount(ctx context.Context, threadID string) (int, error) {
	posts, err := c.getThread(ctx, threadID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, p := range posts {
		if c.botUser != nil && p.UserID == c.botUser.ID {
			continue
		}
		count++
	}
	return count, nil
}

// ThreadMessages returns up to limit of the most recent posts in the
// thread, oldest first, excluding the bot's own.
func (c *Client) ThreadMessages(ctx context.Context, threadID string, limit int) ([]*platform.Post, error) {
	posts, err := c.getThread(ctx, threadID)
	if err != nil {
		return nil, err
	}

	filtered := posts[:0]
	for _, p := range posts {
		if c.botUser != nil && p.UserID == c.botUser.ID {
			continue
		}
		filtered = append(filtered, p)
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}

	out := make([]*platform.Post, 0, len(filtered))
	for _, p := range filtered {
		username := ""
		if user, err := c.userByID(ctx, p.UserID); err == nil {
			username = user.Username
		}
		out = append(out, c.toPost(p, username))
	}
	return out, nil
}

func readResponseBody(resp *http.Response) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// truncateBody keeps error messages readable when the server returns a
// large body.
func truncateBody(body []byte) string {
	const maxLen = 200
	if len(body) > maxLen {
		return string(body[:maxLen]) + "..."
	}
	return string(body)
}
