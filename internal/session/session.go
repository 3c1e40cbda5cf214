// Package session owns the authenticated Steam community session: login with
// a Steam Guard code, cookie state, and transparent re-login when the remote
// side drops the session.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"steamhelper/internal/retry"
	"steamhelper/internal/secrets"
	"steamhelper/internal/steamid"
)

// ErrAuth means Steam rejected the credentials or the second factor after the
// bounded in-package retry. Operator intervention is required; callers must
// not retry it.
var ErrAuth = errors.New("session: authentication rejected")

const (
	userAgent   = "Mozilla/5.0 (Linux; U; Android 4.1.1; en-us; Google Nexus 4 - 4.1.1 - API 16 - 768x1280 Build/JRO03S) AppleWebKit/534.30 (KHTML, like Gecko) Version/4.0 Mobile Safari/534.30"
	requestedBy = "com.valvesoftware.android.steam.community"
)

// Manager is the two-state (authenticated / unauthenticated) session owner.
// All mutation of session state happens inside login; concurrent callers that
// observe an expired session collapse onto a single re-login.
type Manager struct {
	client       *http.Client
	communityURL string

	accountName string
	password    string
	auth        *secrets.MobileAuth

	policy retry.Policy
	now    func() time.Time

	mu        sync.Mutex
	authed    bool
	loginGen  uint64        // bumped on every successful login
	loginCh   chan struct{} // non-nil while a login is in flight
	loginErr  error
	sessionID string
	steamID   steamid.SteamID
	oauthTok  string
}

// New builds a Manager talking to communityURL (production:
// https://steamcommunity.com) for the given account.
func New(communityURL, accountName, password string, auth *secrets.MobileAuth, policy retry.Policy) (*Manager, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(communityURL)
	if err != nil {
		return nil, fmt.Errorf("session: community url: %w", err)
	}

	jar.SetCookies(base, []*http.Cookie{
		{Name: "mobileClientVersion", Value: "0 (2.1.3)"},
		{Name: "mobileClient", Value: "android"},
		{Name: "Steam_Language", Value: "english"},
		{Name: "timezoneOffset", Value: "0,0"},
	})

	return &Manager{
		client:       &http.Client{Jar: jar, Timeout: 30 * time.Second},
		communityURL: strings.TrimRight(communityURL, "/"),
		accountName:  accountName,
		password:     password,
		auth:         auth,
		policy:       policy.WithDefaults(),
		now:          time.Now,
	}, nil
}

// CommunityURL returns the base community endpoint the session talks to.
func (m *Manager) CommunityURL() string { return m.communityURL }

// SteamID returns the logged-in account id, zero before the first login.
func (m *Manager) SteamID() steamid.SteamID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.steamID != 0 {
		return m.steamID
	}
	return m.auth.AccountSteamID()
}

// SessionID returns the community sessionid cookie value.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// DeviceID returns the enrolled android device identifier.
func (m *Manager) DeviceID() string { return m.auth.DeviceID }

// Login authenticates, collapsing concurrent attempts into one.
func (m *Manager) Login(ctx context.Context) error {
	return m.ensureLogin(ctx)
}

func (m *Manager) ensureLogin(ctx context.Context) error {
	m.mu.Lock()
	if m.authed {
		m.mu.Unlock()
		return nil
	}
	if ch := m.loginCh; ch != nil {
		// Another caller is logging in; wait for its outcome.
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
		m.mu.Lock()
		err := m.loginErr
		m.mu.Unlock()
		return err
	}
	ch := make(chan struct{})
	m.loginCh = ch
	m.mu.Unlock()

	err := m.login(ctx)

	m.mu.Lock()
	m.authed = err == nil
	if err == nil {
		m.loginGen++
	}
	m.loginErr = err
	m.loginCh = nil
	m.mu.Unlock()
	close(ch)
	return err
}

func (m *Manager) generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loginGen
}

// markExpired flips to unauthenticated, unless another caller's re-login
// already replaced the session the expiry signal was observed on. A 401 from
// a request issued against generation N says nothing about generation N+1.
func (m *Manager) markExpired(gen uint64) {
	m.mu.Lock()
	if gen == m.loginGen {
		m.authed = false
	}
	m.mu.Unlock()
}

// sessionExpired recognizes the remote signals that the cookies no longer
// authenticate: auth status codes or a bounce to the login page.
func sessionExpired(resp *http.Response) bool {
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return true
	}
	if resp.Request != nil && strings.Contains(resp.Request.URL.Path, "/login") {
		return true
	}
	return false
}

// Get performs an authenticated GET against the community host (or an
// absolute URL) and returns the body. One transparent re-login is attempted
// when the session has expired.
func (m *Manager) Get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	return m.authenticated(ctx, func() (*http.Request, error) {
		u := m.absolute(path)
		if len(params) > 0 {
			u += "?" + params.Encode()
		}
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	})
}

// PostForm performs an authenticated form POST. The optional referer header
// is required by some community endpoints.
func (m *Manager) PostForm(ctx context.Context, path string, form url.Values, referer string) ([]byte, error) {
	return m.authenticated(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.absolute(path), strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if referer != "" {
			req.Header.Set("Referer", referer)
		}
		return req, nil
	})
}

func (m *Manager) absolute(path string) string {
	if strings.HasPrefix(path, "http") {
		return path
	}
	return m.communityURL + path
}

// authenticated sends the request built by build, retrying transport-level
// failures per policy and performing at most one re-login on expiry.
func (m *Manager) authenticated(ctx context.Context, build func() (*http.Request, error)) ([]byte, error) {
	if err := m.ensureLogin(ctx); err != nil {
		return nil, err
	}

	gen := m.generation()
	body, expired, err := m.send(ctx, build)
	if err != nil {
		return nil, err
	}
	if !expired {
		return body, nil
	}

	m.markExpired(gen)
	if err := m.ensureLogin(ctx); err != nil {
		return nil, err
	}
	body, expired, err = m.send(ctx, build)
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, fmt.Errorf("%w: session rejected after re-login", ErrAuth)
	}
	return body, nil
}

func (m *Manager) send(ctx context.Context, build func() (*http.Request, error)) (body []byte, expired bool, err error) {
	err = retry.Do(ctx, m.policy, "session call", func(ctx context.Context) error {
		req, berr := build()
		if berr != nil {
			return retry.Terminal(berr)
		}
		req.Header.Set("User-Agent", userAgent)

		resp, derr := m.client.Do(req)
		if derr != nil {
			return derr
		}
		defer resp.Body.Close()

		b, rerr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if rerr != nil {
			return rerr
		}

		if sessionExpired(resp) {
			body, expired = nil, true
			return nil
		}
		if cerr := retry.ClassifyStatus(resp.StatusCode); cerr != nil {
			return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, cerr)
		}
		body, expired = b, false
		return nil
	})
	return body, expired, err
}

func randomSessionID() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
