// Package roster fetches and parses the partner-birthday spreadsheet: a
// Yandex Disk client for the remote file, and an xlsx parser that turns rows
// into (name, date) entries.
package roster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "bdaybot/pkg/logx"
)

const (
	defaultAPIBase   = "https://cloud-api.yandex.net/v1/disk"
	defaultOAuthBase = "https://oauth.yandex.ru"
)

// ErrUnauthorized is returned when the disk rejects the access token.
var ErrUnauthorized = errors.New("disk: token rejected")

// ErrBadCode is returned when the OAuth confirmation code is not accepted.
var ErrBadCode = errors.New("disk: confirmation code rejected")

// DiskConfig configures the Yandex Disk client. AppID and AppSecret drive the
// OAuth confirmation-code flow used to refresh an expired token.
type DiskConfig struct {
	Token     string
	AppID     string
	AppSecret string

	// APIBase and OAuthBase override the service endpoints (tests).
	APIBase   string
	OAuthBase string
}

// Disk is a minimal Yandex Disk REST client. The token is swappable at
// runtime: the /code flow installs a fresh one without restarting.
type Disk struct {
	mu    sync.Mutex
	token string

	appID     string
	appSecret string
	apiBase   string
	oauthBase string

	http *http.Client
	log  logx.Logger
}

func NewDisk(cfg DiskConfig, log logx.Logger) *Disk {
	if log.IsZero() {
		log = logx.Nop()
	}
	api := strings.TrimRight(cfg.APIBase, "/")
	if api == "" {
		api = defaultAPIBase
	}
	oauth := strings.TrimRight(cfg.OAuthBase, "/")
	if oauth == "" {
		oauth = defaultOAuthBase
	}
	return &Disk{
		token:     cfg.Token,
		appID:     cfg.AppID,
		appSecret: cfg.AppSecret,
		apiBase:   api,
		oauthBase: oauth,
		http:      &http.Client{Timeout: 30 * time.Second},
		log:       log,
	}
}

func (d *Disk) Token() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.token
}

func (d *Disk) SetToken(token string) {
	d.mu.Lock()
	d.token = token
	d.mu.Unlock()
}

// CheckToken reports whether the current token is accepted by the disk API.
// A definite rejection returns (false, nil); transport failures return an error.
func (d *Disk) CheckToken(ctx context.Context) (bool, error) {
	req, err := d.apiRequest(ctx, http.MethodGet, "/", nil)
	if err != nil {
		return false, err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode/100 == 2:
		return true, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, nil
	default:
		return false, fmt.Errorf("disk: check token: http %d", resp.StatusCode)
	}
}

// Download fetches srcPath from the disk into dstPath. The write goes through
// a temp file and a rename, so a failed download never clobbers the previous
// snapshot (which is the stale-cache fallback).
func (d *Disk) Download(ctx context.Context, srcPath, dstPath string) error {
	href, err := d.resolveDownloadHref(ctx, srcPath)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	if err != nil {
		return err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("disk: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("disk: download: http %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dstPath), ".roster-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("disk: download write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), dstPath); err != nil {
		return err
	}
	d.log.Info("roster file downloaded", logx.String("src", srcPath), logx.String("dst", dstPath))
	return nil
}

func (d *Disk) resolveDownloadHref(ctx context.Context, srcPath string) (string, error) {
	req, err := d.apiRequest(ctx, http.MethodGet,
		"/resources/download?path="+url.QueryEscape(srcPath), nil)
	if err != nil {
		return "", err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("disk: resolve download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", ErrUnauthorized
	}
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("disk: resolve download: http %d", resp.StatusCode)
	}

	var out struct {
		Href string `json:"href"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("disk: resolve download: %w", err)
	}
	if out.Href == "" {
		return "", errors.New("disk: resolve download: empty href")
	}
	return out.Href, nil
}

// CodeURL is the page where the roster owner authorizes the app and receives
// a confirmation code for /code.
func (d *Disk) CodeURL() string {
	return d.oauthBase + "/authorize?response_type=code&client_id=" + url.QueryEscape(d.appID)
}

// ExchangeCode trades a user-supplied confirmation code for a fresh access
// token. The caller is responsible for installing (SetToken) and persisting it.
func (d *Disk) ExchangeCode(ctx context.Context, code string) (string, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {d.appID},
		"client_secret": {d.appSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.oauthBase+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("disk: exchange code: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest {
		return "", ErrBadCode
	}
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("disk: exchange code: http %d", resp.StatusCode)
	}

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("disk: exchange code: %w", err)
	}
	if out.AccessToken == "" {
		return "", errors.New("disk: exchange code: empty access_token")
	}
	return out.AccessToken, nil
}

func (d *Disk) apiRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, d.apiBase+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+d.Token())
	return req, nil
}
