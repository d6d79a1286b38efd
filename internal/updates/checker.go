package updates

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/anneschuth/claude-threads-sub002/internal/common/appctx"
	"github.com/anneschuth/claude-threads-sub002/internal/common/config"
	"github.com/anneschuth/claude-threads-sub002/internal/common/logger"
	"github.com/anneschuth/claude-threads-sub002/internal/events"
	"github.com/anneschuth/claude-threads-sub002/internal/events/bus"
)

const (
	fetchTimeout    = 30 * time.Second
	maxManifestSize = 1 << 20
	defaultInterval = 24 * time.Hour
)

// Checker periodically loads the release manifest and publishes an
// announcement when it names a version newer than the running one. It
// is the session manager's update source.
type Checker struct {
	cfg     config.UpdatesConfig
	bus     bus.EventBus
	log     *logger.Logger
	current string

	httpClient *http.Client

	mu     sync.Mutex
	latest *Manifest

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker builds a checker for the given running version. Start
// begins the periodic checks.
func NewChecker(cfg config.UpdatesConfig, currentVersion string, eventBus bus.EventBus, log *logger.Logger) *Checker {
	if log == nil {
		log = logger.Default()
	}
	return &Checker{
		cfg:        cfg,
		bus:        eventBus,
		log:        log.WithFields(zap.String("component", "update-checker")),
		current:    currentVersion,
		httpClient: &http.Client{Timeout: fetchTimeout},
		stopCh:     make(chan struct{}),
	}
}

// Start begins periodic checks, with the first check running right
// away. Without a manifest source checks stay off.
func (c *Checker) Start() {
	if !c.cfg.Enabled || c.cfg.ManifestURL == "" {
		c.log.Info("update checks disabled")
		return
	}
	c.wg.Add(1)
	go c.run()
}

func (c *Checker) run() {
	defer c.wg.Done()

	c.CheckNow()

	interval := c.cfg.CheckInterval()
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.CheckNow()
		}
	}
}

// Stop ends periodic checking.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// CurrentVersion returns the running version.
func (c *Checker) CurrentVersion() string { return c.current }

// Latest returns the most recently fetched release, when one has been
// fetched at all.
func (c *Checker) Latest() (version, notes string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil {
		return "", "", false
	}
	return c.latest.Version, c.latest.Notes, true
}

// CheckNow fetches the manifest once and announces a newer version on
// the bus. Fetch failures are logged and swallowed; the next tick
// tries again.
func (c *Checker) CheckNow() {
	ctx, cancel := appctx.Detached(c.stopCh, fetchTimeout)
	defer cancel()

	m, err := c.fetch(ctx)
	if err != nil {
		c.log.Warn("update check failed", zap.Error(err))
		return
	}

	c.mu.Lock()
	c.latest = m
	c.mu.Unlock()

	if !newer(c.current, m.Version) {
		return
	}

	c.log.Info("new version published",
		zap.String("current", c.current),
		zap.String("latest", m.Version),
		zap.String("channel", m.Channel))

	ev := bus.NewEvent(events.UpdateAvailable, "update-checker", map[string]interface{}{
		"version": m.Version,
		"notes":   m.Notes,
	})
	if err := c.bus.Publish(ctx, events.UpdateAvailable, ev); err != nil {
		c.log.Warn("update announcement failed", zap.Error(err))
	}
}

// fetch loads the manifest from the configured source: a URL for
// deployments, a plain file path for air-gapped installs and tests.
func (c *Checker) fetch(ctx context.Context) (*Manifest, error) {
	src := c.cfg.ManifestURL
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return c.fetchHTTP(ctx, src)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("read release manifest: %w", err)
	}
	return parseManifest(data)
}

func (c *Checker) fetchHTTP(ctx context.Context, url string) (*Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch release manifest: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return nil, fmt.Errorf("read release manifest: %w", err)
	}
	return parseManifest(data)
}

// newer reports whether candidate is strictly newer than current.
// Versions that do not parse as semver fall back to plain inequality,
// so dev builds ("dev", bare commit hashes) still see releases.
func newer(current, candidate string) bool {
	if candidate == "" || candidate == current {
		return false
	}
	cur, errCur := semver.NewVersion(current)
	cand, errCand := semver.NewVersion(candidate)
	if errCur != nil || errCand != nil {
		return true
	}
	return cand.GreaterThan(cur)
}
