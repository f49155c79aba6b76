// Package core spricht mit dem zentralen PID-Provider: Token holen, XML als
// ZIP hochladen, Ergebnisliste auswerten.
package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"pid-provider/config"
	"pid-provider/providers"
	"pid-provider/xmlsps"
)

var (
	// ErrNotConfigured: API_POST_XML_URL oder API_GET_TOKEN_URL fehlt.
	ErrNotConfigured = errors.New("core pid provider is not configured")
	// ErrAuth: der Token-Endpunkt hat die Zugangsdaten abgelehnt.
	ErrAuth = errors.New("core pid provider authentication failed")
)

const (
	tokenKey = "access"
	tokenTTL = 10 * time.Minute
)

type tokenResponse struct {
	Refresh string `json:"refresh"`
	Access  string `json:"access"`
}

// Client ist ein ratenbegrenzter HTTP-Client für den zentralen PID-Provider.
type Client struct {
	postURL  string
	tokenURL string
	username string
	password string

	httpClient *http.Client
	limiter    *rate.Limiter
	tokens     *gocache.Cache
	logger     *zap.Logger
}

// NewClient erstellt einen Client aus der Konfiguration.
func NewClient(cfg *config.Config, logger *zap.Logger) *Client {
	limit := rate.Inf
	if cfg.APIRateLimit > 0 {
		limit = rate.Limit(cfg.APIRateLimit)
	}
	timeout := cfg.APITimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		postURL:    cfg.APIPostXMLURL,
		tokenURL:   cfg.APIGetTokenURL,
		username:   cfg.APIUsername,
		password:   cfg.APIPassword,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, 1),
		tokens:     gocache.New(tokenTTL, 2*tokenTTL),
		logger:     logger,
	}
}

// Name gibt den Namen des Providers zurück.
func (c *Client) Name() string {
	return "core"
}

// Register lädt xml als ZIP hoch. Bei 401 wird das Token einmal erneuert.
func (c *Client) Register(ctx context.Context, filename string, xml []byte) ([]providers.Result, error) {
	if c.postURL == "" || c.tokenURL == "" {
		return nil, ErrNotConfigured
	}
	if !strings.HasSuffix(strings.ToLower(filename), ".xml") {
		filename += ".xml"
	}
	zipped, err := xmlsps.CreateZip(map[string][]byte{filename: xml})
	if err != nil {
		return nil, fmt.Errorf("creating zip: %w", err)
	}
	zipName := strings.TrimSuffix(filename, ".xml") + ".zip"

	for attempt := 0; ; attempt++ {
		token, err := c.token(ctx)
		if err != nil {
			return nil, err
		}
		results, status, err := c.post(ctx, token, zipName, zipped)
		if status == http.StatusUnauthorized && attempt == 0 {
			c.logger.Info("core token abgelaufen, hole neues Token")
			c.tokens.Delete(tokenKey)
			continue
		}
		return results, err
	}
}

func (c *Client) token(ctx context.Context) (string, error) {
	if t, ok := c.tokens.Get(tokenKey); ok {
		return t.(string), nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(map[string]string{"username": c.username, "password": c.password})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("token request failed: status %d: %s", resp.StatusCode, string(b))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if tr.Access == "" {
		return "", fmt.Errorf("%w: empty access token", ErrAuth)
	}
	c.tokens.Set(tokenKey, tr.Access, gocache.DefaultExpiration)
	return tr.Access, nil
}

func (c *Client) post(ctx context.Context, token, zipName string, zipped []byte) ([]providers.Result, int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, fmt.Errorf("rate limiter: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", zipName)
	if err != nil {
		return nil, 0, err
	}
	if _, err := part.Write(zipped); err != nil {
		return nil, 0, err
	}
	if err := mw.Close(); err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.postURL, &buf)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("posting xml: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	// 400 liefert ebenfalls eine Ergebnisliste mit den Fehlern je XML
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusBadRequest {
		return nil, resp.StatusCode, fmt.Errorf("core responded with status %d: %s", resp.StatusCode, truncate(string(b), 200))
	}

	var results []providers.Result
	if err := json.Unmarshal(b, &results); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decoding core response: %w", err)
	}
	return results, resp.StatusCode, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
