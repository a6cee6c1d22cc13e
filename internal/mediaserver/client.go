package mediaserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goodtune/watchward/internal/limiter"
	"github.com/goodtune/watchward/internal/metrics"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

const (
	// DefaultTimeout bounds individual media server requests.
	DefaultTimeout = 10 * time.Second

	defaultUserCacheSize = 256
	defaultUserCacheTTL  = 10 * time.Minute
)

// Config holds media server connection settings.
type Config struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	UserCacheSize int
	UserCacheTTL  time.Duration
}

// Client talks to a Jellyfin-compatible media server: it enumerates active
// sessions and issues stop/message commands. It implements
// limiter.SessionSource.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	userNames  *lru.LRU[string, string]
	logger     zerolog.Logger
}

// NewClient creates a media server client.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserCacheSize <= 0 {
		cfg.UserCacheSize = defaultUserCacheSize
	}
	if cfg.UserCacheTTL <= 0 {
		cfg.UserCacheTTL = defaultUserCacheTTL
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		userNames:  lru.NewLRU[string, string](cfg.UserCacheSize, nil, cfg.UserCacheTTL),
		logger:     logger.With().Str("component", "mediaserver").Logger(),
	}
}

// session is the wire shape of a media server session entry.
type session struct {
	ID             string `json:"Id"`
	UserID         string `json:"UserId"`
	UserName       string `json:"UserName"`
	Client         string `json:"Client"`
	NowPlayingItem *struct {
		Name string `json:"Name"`
	} `json:"NowPlayingItem"`
	PlayState struct {
		IsPaused bool `json:"IsPaused"`
	} `json:"PlayState"`
}

type user struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
}

type message struct {
	Header    string `json:"Header"`
	Text      string `json:"Text"`
	TimeoutMs int64  `json:"TimeoutMs"`
}

// ActiveSessions returns the media server's current sessions.
func (c *Client) ActiveSessions(ctx context.Context) ([]limiter.PlaybackSession, error) {
	var raw []session
	if err := c.get(ctx, "/Sessions", &raw); err != nil {
		metrics.MediaServerRequests.WithLabelValues("sessions", "error").Inc()
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	metrics.MediaServerRequests.WithLabelValues("sessions", "ok").Inc()

	sessions := make([]limiter.PlaybackSession, 0, len(raw))
	for _, s := range raw {
		name := s.UserName
		if name == "" && s.UserID != "" {
			name = c.resolveUserName(ctx, s.UserID)
		}
		sessions = append(sessions, limiter.PlaybackSession{
			ID:         s.ID,
			UserID:     s.UserID,
			UserName:   name,
			Client:     s.Client,
			NowPlaying: s.NowPlayingItem != nil,
			Paused:     s.PlayState.IsPaused,
		})
	}
	return sessions, nil
}

// StopPlayback issues a stop command for a session.
func (c *Client) StopPlayback(ctx context.Context, sessionID string) error {
	path := fmt.Sprintf("/Sessions/%s/Playing/Stop", url.PathEscape(sessionID))
	if err := c.post(ctx, path, nil); err != nil {
		metrics.MediaServerRequests.WithLabelValues("stop", "error").Inc()
		return fmt.Errorf("stop playback: %w", err)
	}
	metrics.MediaServerRequests.WithLabelValues("stop", "ok").Inc()

	c.logger.Debug().Str("session_id", sessionID).Msg("Issued stop command")
	return nil
}

// SendMessage displays a header/text message on a session for the given
// duration.
func (c *Client) SendMessage(ctx context.Context, sessionID, header, text string, timeout time.Duration) error {
	path := fmt.Sprintf("/Sessions/%s/Message", url.PathEscape(sessionID))
	body := message{
		Header:    header,
		Text:      text,
		TimeoutMs: timeout.Milliseconds(),
	}
	if err := c.post(ctx, path, body); err != nil {
		metrics.MediaServerRequests.WithLabelValues("message", "error").Inc()
		return fmt.Errorf("send message: %w", err)
	}
	metrics.MediaServerRequests.WithLabelValues("message", "ok").Inc()
	return nil
}

// resolveUserName looks up a user's display name, caching results since
// session listings repeat every tick. A failed lookup falls back to the ID.
func (c *Client) resolveUserName(ctx context.Context, userID string) string {
	if name, ok := c.userNames.Get(userID); ok {
		return name
	}

	var u user
	path := fmt.Sprintf("/Users/%s", url.PathEscape(userID))
	if err := c.get(ctx, path, &u); err != nil {
		c.logger.Debug().Err(err).Str("user_id", userID).Msg("Failed to resolve user name")
		return userID
	}

	c.userNames.Add(userID, u.Name)
	return u.Name
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("X-Emby-Token", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, req.URL.Path)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
