package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StatusResponse summarizes the running service.
type StatusResponse struct {
	Version        string `json:"version"`
	Uptime         string `json:"uptime"`
	ActiveSessions int    `json:"active_sessions"`
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Version:        s.version,
		Uptime:         time.Since(s.startedAt).Round(time.Second).String(),
		ActiveSessions: s.mgr.Registry().Len(),
	})
}

// SessionInfo is one row in the session list.
type SessionInfo struct {
	Platform     string   `json:"platform"`
	ThreadID     string   `json:"thread_id"`
	Number       int      `json:"number"`
	Owner        string   `json:"owner"`
	Users        []string `json:"users"`
	Title        string   `json:"title,omitempty"`
	State        string   `json:"state"`
	Busy         bool     `json:"busy"`
	MessageCount int      `json:"message_count"`
	WorkingDir   string   `json:"working_dir,omitempty"`
	Branch       string   `json:"branch,omitempty"`
	PullRequest  string   `json:"pull_request,omitempty"`
	IdleSeconds  int      `json:"idle_seconds"`
}

// ListSessionsResponse is the /api/v1/sessions payload.
type ListSessionsResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

func (s *Server) handleListSessions(c *gin.Context) {
	active := s.mgr.Registry().Active()
	now := time.Now()

	sessions := make([]SessionInfo, 0, len(active))
	for _, sess := range active {
		info := SessionInfo{
			Platform:     sess.PlatformID,
			ThreadID:     sess.ThreadID,
			Number:       sess.Number(),
			Owner:        sess.Owner(),
			Users:        sess.AllowedUsers(),
			Title:        sess.Title(),
			State:        string(sess.Lifecycle()),
			Busy:         sess.Busy(),
			MessageCount: sess.MessageCount(),
			WorkingDir:   sess.WorkingDir(),
			PullRequest:  sess.PullRequestURL(),
			IdleSeconds:  int(sess.IdleFor(now).Seconds()),
		}
		if wt := sess.Worktree(); wt != nil {
			info.Branch = wt.Branch
		}
		sessions = append(sessions, info)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Number < sessions[j].Number })

	c.JSON(http.StatusOK, ListSessionsResponse{Sessions: sessions})
}

// KillSessionResponse reports the result of an admin kill.
type KillSessionResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleKillSession(c *gin.Context) {
	platformID := c.Param("platform")
	threadID := c.Param("thread")

	if !s.mgr.Kill(platformID, threadID, "stopped by an administrator") {
		c.JSON(http.StatusNotFound, KillSessionResponse{Error: "session not found"})
		return
	}

	s.logger.Info("session killed",
		zap.String("platform", platformID), zap.String("thread", threadID))
	c.JSON(http.StatusOK, KillSessionResponse{Success: true})
}
