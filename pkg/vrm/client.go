package vrm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/vrmcollect/vrmcollect/pkg/common"
	"github.com/vrmcollect/vrmcollect/pkg/log"
	"github.com/vrmcollect/vrmcollect/pkg/types"
)

const (
	vrmLoginPath = "auth/login"

	// sessions issued by auth/login are good for 24 hours
	sessionLifetime = 24 * time.Hour

	// how far back we ask for stats so a slow-reporting installation still
	// has at least one sample in the window
	statsWindow = 5 * time.Minute
)

// APIError is returned for any VRM request that was answered but not
// satisfied. Callers can inspect StatusCode to distinguish auth and
// rate-limit failures from plain server errors.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("vrm api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("vrm api: status %d: %s", e.StatusCode, e.Message)
}

// Client talks to the Victron VRM API. It implements Source and is safe
// for concurrent use.
//
// Two authentication modes are supported: a long-lived access token
// (preferred) or portal username/password, in which case the client logs
// in for a 24h session token and transparently re-logs-in once when the
// session expires mid-flight.
type Client struct {
	client  *http.Client
	baseURL string

	authToken string
	username  string
	password  string

	tokenCachePath string

	// mu guards the session, user, and installation-list state below;
	// requests themselves run unlocked so fetches can overlap
	mu            sync.Mutex
	sessionToken  string
	sessionExpiry time.Time
	userID        int64

	installationsTTL    time.Duration
	installationsCache  []types.Installation
	installationsExpiry time.Time
}

// NewClient builds a Client against the given base URL (including the API
// version path). Either authToken or username+password must be set.
func NewClient(baseURL, authToken, username, password string, timeout time.Duration) *Client {
	return &Client{
		client:           common.HTTPClient(timeout),
		baseURL:          baseURL,
		authToken:        authToken,
		username:         username,
		password:         password,
		installationsTTL: 15 * time.Minute,
	}
}

func (c *Client) newGetRequest(ctx context.Context, endpoint string, params url.Values) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}
	u.RawQuery = params.Encode()
	return http.NewRequestWithContext(ctx, "GET", u.String(), nil)
}

func (c *Client) newPostJSONRequest(ctx context.Context, endpoint string, data interface{}) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

type loginResult struct {
	Token  string `json:"token"`
	UserID int64  `json:"idUser"`
}

type tokenCache struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// loadCachedSession restores a previously saved session token if it has at
// least a minute of life left. Must be called with c.mu held.
func (c *Client) loadCachedSession(ctx context.Context) {
	if c.tokenCachePath == "" {
		return
	}
	b, err := os.ReadFile(c.tokenCachePath)
	if err != nil {
		return
	}
	var tc tokenCache
	if err := json.Unmarshal(b, &tc); err != nil {
		return
	}
	expiry := time.Unix(tc.ExpiresAt, 0)
	if time.Until(expiry) > time.Minute && tc.Token != "" {
		c.sessionToken = tc.Token
		c.sessionExpiry = expiry
		log.Ctx(ctx).DebugContext(ctx, "restored vrm session token from cache")
	}
}

// saveCachedSession persists the session token so a restart can skip the
// login round-trip. Failures only warn; the cache is an optimization.
func (c *Client) saveCachedSession(ctx context.Context) {
	if c.tokenCachePath == "" {
		return
	}
	b, err := json.Marshal(tokenCache{
		Token:     c.sessionToken,
		ExpiresAt: c.sessionExpiry.Unix(),
	})
	if err == nil {
		err = os.WriteFile(c.tokenCachePath, b, 0600)
	}
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to save vrm session token cache", slog.Any("error", err))
		return
	}
	log.Ctx(ctx).DebugContext(ctx, "saved vrm session token to cache")
}

// ensureSession makes sure we have something to authenticate requests with.
// Token mode never needs a session. Must be called with c.mu held.
func (c *Client) ensureSession(ctx context.Context) error {
	if c.authToken != "" {
		return nil
	}
	if c.sessionToken != "" && time.Until(c.sessionExpiry) > time.Minute {
		return nil
	}
	if c.sessionToken == "" {
		c.loadCachedSession(ctx)
		if c.sessionToken != "" && time.Until(c.sessionExpiry) > time.Minute {
			return nil
		}
	}
	return c.login(ctx)
}

// sessionFor returns the bearer token to authenticate the next request,
// logging in first if needed. Token mode needs no session and takes no
// lock. Safe for concurrent use.
func (c *Client) sessionFor(ctx context.Context) (string, error) {
	if c.authToken != "" {
		return "", nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureSession(ctx); err != nil {
		return "", err
	}
	return c.sessionToken, nil
}

// invalidateSession discards a session the server rejected, including the
// on-disk copy so the next login attempt can't restore the same revoked
// token. A token another goroutine already replaced is left alone.
func (c *Client) invalidateSession(ctx context.Context, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionToken != token {
		return
	}
	c.sessionToken = ""
	c.sessionExpiry = time.Time{}
	if c.tokenCachePath != "" {
		if err := os.Remove(c.tokenCachePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Ctx(ctx).WarnContext(ctx, "failed to remove vrm session token cache", slog.Any("error", err))
		}
	}
}

func (c *Client) login(ctx context.Context) error {
	if c.username == "" || c.password == "" {
		return errors.New("missing vrm username or password")
	}

	req, err := c.newPostJSONRequest(ctx, vrmLoginPath, map[string]string{
		"username": c.username,
		"password": c.password,
	})
	if err != nil {
		return err
	}

	var res loginResult
	if err := c.do(req, &res, "", false); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "vrm login failed", slog.Any("error", err))
		return fmt.Errorf("login failed: %w", err)
	}
	if res.Token == "" {
		return errors.New("login response missing token")
	}

	c.sessionToken = res.Token
	c.sessionExpiry = time.Now().Add(sessionLifetime)
	c.saveCachedSession(ctx)

	log.Ctx(ctx).InfoContext(ctx, "authenticated with vrm api", slog.String("username", c.username))
	return nil
}

// doRequest authenticates and performs req, decoding the JSON body into
// dest. A session the server rejects is invalidated and the request
// retried once with a fresh login. Only the token bookkeeping is locked;
// the HTTP round-trip itself runs unlocked so fetches can overlap.
func (c *Client) doRequest(req *http.Request, dest interface{}) error {
	ctx := req.Context()
	for i := 0; i < 2; i++ {
		token, err := c.sessionFor(ctx)
		if err != nil {
			return err
		}

		err = c.do(req, dest, token, true)
		if err == nil {
			return nil
		}

		var apiErr *APIError
		// only a stale session in credentials mode is worth a retry
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized &&
			c.authToken == "" && token != "" {
			log.Ctx(ctx).WarnContext(ctx, "vrm session rejected, reauthenticating")
			c.invalidateSession(ctx, token)
			continue
		}
		return err
	}
	return &APIError{StatusCode: http.StatusUnauthorized, Message: "reauthentication did not help"}
}

func (c *Client) do(req *http.Request, dest interface{}, bearer string, authed bool) error {
	req.Header.Set("Accept", "application/json")
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		if c.authToken != "" {
			req.Header.Set("X-Authorization", "Token "+c.authToken)
		} else {
			req.Header.Set("X-Authorization", "Bearer "+bearer)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Errors    string `json:"errors"`
			ErrorCode string `json:"error_code"`
		}
		// the error body is best-effort, VRM is not consistent here
		_ = json.Unmarshal(body, &apiErr)
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Errors}
	}

	if dest != nil {
		if err := json.Unmarshal(body, dest); err != nil {
			log.Ctx(req.Context()).ErrorContext(req.Context(), "failed to decode vrm response",
				slog.Any("error", err), slog.String("url", req.URL.Path))
			return fmt.Errorf("failed to decode vrm response: %w", err)
		}
	}
	return nil
}

type userResult struct {
	User struct {
		ID    int64  `json:"id"`
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"user"`
}

// user returns the authenticated user's ID, cached after the first call.
func (c *Client) user(ctx context.Context) (int64, error) {
	c.mu.Lock()
	if c.userID != 0 {
		id := c.userID
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	req, err := c.newGetRequest(ctx, "users/me", nil)
	if err != nil {
		return 0, err
	}
	var res userResult
	if err := c.doRequest(req, &res); err != nil {
		return 0, err
	}
	if res.User.ID == 0 {
		return 0, errors.New("users/me response missing user id")
	}

	c.mu.Lock()
	c.userID = res.User.ID
	c.mu.Unlock()
	return res.User.ID, nil
}

type installationsResult struct {
	Records []types.Installation `json:"records"`
}

// Installations lists the account's installations. The list is cached for
// installationsTTL since it changes rarely and is needed every cycle.
func (c *Client) Installations(ctx context.Context) ([]types.Installation, error) {
	c.mu.Lock()
	if c.installationsCache != nil && time.Now().Before(c.installationsExpiry) {
		cached := c.installationsCache
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	userID, err := c.user(ctx)
	if err != nil {
		return nil, err
	}

	req, err := c.newGetRequest(ctx, fmt.Sprintf("users/%d/installations", userID), nil)
	if err != nil {
		return nil, err
	}
	var res installationsResult
	if err := c.doRequest(req, &res); err != nil {
		return nil, err
	}

	for i := range res.Records {
		if res.Records[i].Timezone == "" {
			res.Records[i].Timezone = "UTC"
		}
	}

	log.Ctx(ctx).DebugContext(ctx, "fetched vrm installations", slog.Int("count", len(res.Records)))
	c.mu.Lock()
	c.installationsCache = res.Records
	c.installationsExpiry = time.Now().Add(c.installationsTTL)
	c.mu.Unlock()
	return res.Records, nil
}

// FetchSnapshot pulls the last few minutes of stats for one installation
// and reduces them to the latest reading per metric. Safe for concurrent
// use; the scheduler fans out one call per installation.
func (c *Client) FetchSnapshot(ctx context.Context, inst types.Installation, now time.Time) (types.InstallationSnapshot, error) {
	params := url.Values{}
	params.Set("start", strconv.FormatInt(now.Add(-statsWindow).Unix(), 10))
	params.Set("type", "custom")
	for i, code := range attributeCodes {
		params.Set(fmt.Sprintf("attributeCodes[%d]", i), code)
	}

	req, err := c.newGetRequest(ctx, fmt.Sprintf("installations/%d/stats", inst.ID), params)
	if err != nil {
		return types.InstallationSnapshot{}, err
	}

	var res statsResult
	if err := c.doRequest(req, &res); err != nil {
		return types.InstallationSnapshot{}, fmt.Errorf("stats fetch for installation %d failed: %w", inst.ID, err)
	}

	snap := snapshotFromStats(inst, res, now)
	log.Ctx(ctx).DebugContext(ctx, "fetched installation snapshot",
		slog.Int64("installationID", inst.ID),
		slog.String("name", inst.Name),
		slog.Time("timestamp", snap.Timestamp),
		slog.Bool("empty", snap.Empty()),
	)
	return snap, nil
}
