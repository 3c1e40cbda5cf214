package session

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"steamhelper/internal/guard"
	"steamhelper/internal/steamid"
)

type rsaKeyResponse struct {
	Success      bool   `json:"success"`
	PublicKeyMod string `json:"publickey_mod"`
	PublicKeyExp string `json:"publickey_exp"`
	Timestamp    string `json:"timestamp"`
}

type doLoginResponse struct {
	Success           bool   `json:"success"`
	LoginComplete     bool   `json:"login_complete"`
	RequiresTwoFactor bool   `json:"requires_twofactor"`
	Message           string `json:"message"`
	OAuthInfo         string `json:"oauth"`
}

type oauthInfo struct {
	SteamID string `json:"steamid"`
	Token   string `json:"oauth_token"`
}

// login runs the full credential + Steam Guard flow. A rejected two-factor
// code gets exactly one retry with a freshly generated code; the window may
// have rolled between derivation and arrival at the server.
func (m *Manager) login(ctx context.Context) error {
	rsaKey, err := m.fetchRSAKey(ctx)
	if err != nil {
		return err
	}

	encPassword, err := encryptPassword(m.password, rsaKey)
	if err != nil {
		return fmt.Errorf("session: encrypt password: %w", err)
	}

	code, err := guard.GenerateCode(m.auth.SharedSecret, m.now())
	if err != nil {
		return err
	}

	resp, err := m.doLogin(ctx, encPassword, rsaKey.Timestamp, code.Value)
	if err != nil {
		return err
	}

	if !resp.Success && resp.RequiresTwoFactor {
		// Code rejected. Regenerate for the current window and retry once.
		code, err = guard.GenerateCode(m.auth.SharedSecret, m.now())
		if err != nil {
			return err
		}
		resp, err = m.doLogin(ctx, encPassword, rsaKey.Timestamp, code.Value)
		if err != nil {
			return err
		}
	}

	if !resp.Success {
		if resp.Message != "" {
			return fmt.Errorf("%w: %s", ErrAuth, resp.Message)
		}
		return ErrAuth
	}

	var oauth oauthInfo
	if resp.OAuthInfo != "" {
		if err := json.Unmarshal([]byte(resp.OAuthInfo), &oauth); err != nil {
			return fmt.Errorf("session: oauth payload: %w", err)
		}
	}

	sessionID, err := randomSessionID()
	if err != nil {
		return err
	}

	base, _ := url.Parse(m.communityURL)
	m.client.Jar.SetCookies(base, []*http.Cookie{{Name: "sessionid", Value: sessionID}})

	m.mu.Lock()
	m.sessionID = sessionID
	m.oauthTok = oauth.Token
	if oauth.SteamID != "" {
		if id, perr := strconv.ParseUint(oauth.SteamID, 10, 64); perr == nil {
			m.steamID = steamid.SteamID(id)
		}
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) fetchRSAKey(ctx context.Context) (*rsaKeyResponse, error) {
	var out rsaKeyResponse
	err := m.rawJSON(ctx, http.MethodPost, "/login/getrsakey/?username="+url.QueryEscape(m.accountName), nil, &out)
	if err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, fmt.Errorf("%w: account name not recognized", ErrAuth)
	}
	return &out, nil
}

func (m *Manager) doLogin(ctx context.Context, encPassword, rsaTimestamp, twoFactorCode string) (*doLoginResponse, error) {
	form := url.Values{
		"username":          {m.accountName},
		"password":          {encPassword},
		"twofactorcode":     {twoFactorCode},
		"rsatimestamp":      {rsaTimestamp},
		"remember_login":    {"true"},
		"captcha_text":      {""},
		"captchagid":        {"-1"},
		"emailauth":         {""},
		"emailsteamid":      {""},
		"oauth_client_id":   {"DE45CD61"},
		"oauth_scope":       {"read_profile write_profile read_client write_client"},
		"loginfriendlyname": {"#login_emailauth_friendlyname_mobile"},
		"donotcache":        {strconv.FormatInt(m.now().UnixMilli(), 10)},
	}

	var out doLoginResponse
	if err := m.rawJSON(ctx, http.MethodPost, "/login/dologin/?"+form.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// rawJSON issues an unauthenticated request (the login flow itself) with the
// mobile client headers Steam expects, decoding the JSON body into out.
func (m *Manager) rawJSON(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, m.communityURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Requested-With", requestedBy)
	req.Header.Set("Accept", "text/javascript, text/html, application/xml, text/xml, */*")
	req.Header.Set("Referer", m.communityURL+"/mobilelogin")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("session: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return json.Unmarshal(b, out)
}

func encryptPassword(password string, key *rsaKeyResponse) (string, error) {
	mod := new(big.Int)
	if _, ok := mod.SetString(key.PublicKeyMod, 16); !ok {
		return "", fmt.Errorf("bad rsa modulus")
	}
	exp, err := strconv.ParseInt(key.PublicKeyExp, 16, 32)
	if err != nil {
		return "", fmt.Errorf("bad rsa exponent: %w", err)
	}

	pub := &rsa.PublicKey{N: mod, E: int(exp)}
	enc, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte(password))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(enc), nil
}
