// Package yagna talks to a local requestor daemon over its REST API. It
// provides the session token, activity proxy URLs and payment account checks.
package yagna

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/animus-labs/requestor-go/internal/domain"
	"github.com/animus-labs/requestor-go/internal/marketplace"
	"github.com/animus-labs/requestor-go/internal/platform/env"
	"github.com/animus-labs/requestor-go/internal/platform/requestid"
)

const requestorAccountsPath = "/payment-api/v1/requestorAccounts"

type Config struct {
	APIURL  string
	AppKey  string
	Timeout time.Duration
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("YAGNA_HTTP_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		APIURL:  env.String("YAGNA_API_URL", "http://127.0.0.1:7465"),
		AppKey:  env.String("YAGNA_APPKEY", ""),
		Timeout: timeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIURL) == "" {
		return errors.New("YAGNA_API_URL is required")
	}
	if !strings.HasPrefix(c.APIURL, "http://") && !strings.HasPrefix(c.APIURL, "https://") {
		return fmt.Errorf("YAGNA_API_URL must be an http(s) url: %q", c.APIURL)
	}
	if strings.TrimSpace(c.AppKey) == "" {
		return errors.New("YAGNA_APPKEY is required")
	}
	if c.Timeout <= 0 {
		return errors.New("YAGNA_HTTP_TIMEOUT must be positive")
	}
	return nil
}

type Client struct {
	baseURL string
	appKey  string
	http    *http.Client
}

var (
	_ marketplace.Connector      = (*Client)(nil)
	_ marketplace.AccountChecker = (*Client)(nil)
)

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"),
		appKey:  strings.TrimSpace(cfg.AppKey),
		http:    &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type requestorAccount struct {
	Platform string `json:"platform"`
	Address  string `json:"address"`
	Driver   string `json:"driver"`
	Network  string `json:"network"`
	Token    string `json:"token"`
	Send     bool   `json:"send"`
	Receive  bool   `json:"receive"`
}

// EnsurePaymentAccount returns *domain.PaymentAccountError when the daemon
// has no sending account for driver/network.
func (c *Client) EnsurePaymentAccount(ctx context.Context, driver, network string) error {
	var accounts []requestorAccount
	if err := c.getJSON(ctx, requestorAccountsPath, &accounts); err != nil {
		return fmt.Errorf("list requestor accounts: %w", err)
	}
	for _, a := range accounts {
		if !a.Send {
			continue
		}
		if strings.EqualFold(a.Driver, strings.TrimSpace(driver)) && strings.EqualFold(a.Network, strings.TrimSpace(network)) {
			return nil
		}
	}
	return &domain.PaymentAccountError{Driver: driver, Network: network}
}

func (c *Client) SessionToken(_ context.Context) (string, error) {
	if c.appKey == "" {
		return "", errors.New("app key is not configured")
	}
	return c.appKey, nil
}

func (c *Client) ProxyURL(_ context.Context, exec domain.ExecutionContext, path string) (string, error) {
	activityID := strings.TrimSpace(exec.ActivityID)
	if activityID == "" {
		return "", errors.New("activity id is required")
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + marketplace.ProxyPath(activityID, path), nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.appKey)
	if id := requestid.Ensure(ctx); id != "" {
		req.Header.Set(requestid.Header, id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("http %s %s: status=%d body=%s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
