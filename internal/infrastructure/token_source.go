package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	"fhir-mcp-server/internal/domain"
)

// FileTokenSource serves a bearer token read from a file and reloads it when
// the file changes, so rotated secrets are picked up without a restart.
type FileTokenSource struct {
	path    string
	token   atomic.Value // string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	done    chan struct{}
	once    sync.Once
}

// NewFileTokenSource loads the token and starts watching its directory.
func NewFileTokenSource(path string, logger *slog.Logger) (*FileTokenSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve token file path: %w", err)
	}

	s := &FileTokenSource{
		path:   abs,
		logger: logger,
		done:   make(chan struct{}),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create token file watcher: %w", err)
	}
	// Watch the directory: secret mounts replace files through renames.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch token directory: %w", err)
	}
	s.watcher = watcher

	go s.watch()
	return s, nil
}

// Token implements domain.TokenSource.
func (s *FileTokenSource) Token(context.Context) (string, error) {
	return s.token.Load().(string), nil
}

// Close stops watching the token file.
func (s *FileTokenSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.watcher.Close()
	})
	return err
}

func (s *FileTokenSource) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return fmt.Errorf("token file %s is empty", s.path)
	}
	if err := domain.ValidateToken(token); err != nil {
		return fmt.Errorf("token file %s: %w", s.path, err)
	}
	s.token.Store(token)
	return nil
}

func (s *FileTokenSource) watch() {
	for {
		select {
		case <-s.done:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.reload(); err != nil {
				// Mid-rotation reads can fail; keep the previous token.
				s.logger.Debug("token reload skipped", "event", event.Op.String(), "error", err)
				continue
			}
			s.logger.Info("bearer token reloaded", "path", s.path)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("token file watcher error", "error", err)
		}
	}
}

// ClientCredentialsOptions configures a ClientCredentialsTokenSource.
type ClientCredentialsOptions struct {
	// BaseURL is the FHIR base used for SMART configuration discovery.
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scope        string
	Skew         time.Duration
	// ExchangeTimeout bounds one discovery plus token exchange, independently
	// of the caller that started it.
	ExchangeTimeout time.Duration
	HTTPClient      *http.Client
	Now             func() time.Time
	Logger          *slog.Logger
}

// ClientCredentialsTokenSource exchanges client credentials for access tokens
// and caches each token until shortly before it expires. Concurrent callers
// share one exchange and each stops waiting when its own context ends.
type ClientCredentialsTokenSource struct {
	opts  ClientCredentialsOptions
	group singleflight.Group

	mu       sync.Mutex
	tokenURL string
	token    string
	expiry   time.Time
}

// NewClientCredentialsTokenSource creates a token source. No network call is
// made until the first Token.
func NewClientCredentialsTokenSource(opts ClientCredentialsOptions) *ClientCredentialsTokenSource {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.ExchangeTimeout <= 0 {
		opts.ExchangeTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ClientCredentialsTokenSource{opts: opts, tokenURL: opts.TokenURL}
}

// tokenResponse is the OAuth2 token endpoint reply.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int    `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Token implements domain.TokenSource.
func (s *ClientCredentialsTokenSource) Token(ctx context.Context) (string, error) {
	if token, ok := s.cached(); ok {
		return token, nil
	}

	ch := s.group.DoChan("token", func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ExchangeTimeout)
		defer cancel()
		return s.refresh(fctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", domain.WrapToolError(domain.KindTimeout, ctx.Err(), "deadline exceeded waiting for an access token")
	}
}

func (s *ClientCredentialsTokenSource) cached() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && s.opts.Now().Before(s.expiry) {
		return s.token, true
	}
	return "", false
}

// refresh runs discovery if needed and one token exchange.
func (s *ClientCredentialsTokenSource) refresh(ctx context.Context) (string, error) {
	if token, ok := s.cached(); ok {
		return token, nil
	}

	s.mu.Lock()
	tokenURL := s.tokenURL
	s.mu.Unlock()

	if tokenURL == "" {
		endpoint, err := s.discover(ctx)
		if err != nil {
			return "", err
		}
		tokenURL = endpoint
		s.mu.Lock()
		s.tokenURL = endpoint
		s.mu.Unlock()
	}

	resp, err := s.exchange(ctx, tokenURL)
	if err != nil {
		return "", err
	}

	lifetime := time.Duration(resp.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = 5 * time.Minute
	}
	if lifetime > s.opts.Skew {
		lifetime -= s.opts.Skew
	}

	s.mu.Lock()
	s.token = resp.AccessToken
	s.expiry = s.opts.Now().Add(lifetime)
	s.mu.Unlock()

	s.opts.Logger.Debug("access token obtained", "expires_in", resp.ExpiresIn)
	return resp.AccessToken, nil
}

// Invalidate implements domain.TokenInvalidator.
func (s *ClientCredentialsTokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expiry = time.Time{}
}

// tokenTransportError classifies a request to the authorization server that
// got no reply.
func tokenTransportError(ctx context.Context, err error, what string) error {
	if ctx.Err() != nil {
		return domain.WrapToolError(domain.KindTimeout, err, "%s timed out", what)
	}
	return domain.WrapToolError(domain.KindUpstreamUnavailable, err, "%s unreachable", what)
}

// tokenStatusError classifies a non-200 reply from the authorization server.
// 5xx and 429 are outages; other 4xx replies reject the client.
func tokenStatusError(status int, what, detail string) error {
	kind := domain.KindAuthenticationFailed
	if status >= 500 || status == http.StatusTooManyRequests {
		kind = domain.KindUpstreamUnavailable
	}
	return &domain.ToolError{
		Kind:       kind,
		Message:    fmt.Sprintf("%s error (status %d): %s", what, status, detail),
		StatusCode: status,
	}
}

// discover reads token_endpoint from the SMART configuration document.
func (s *ClientCredentialsTokenSource) discover(ctx context.Context) (string, error) {
	endpoint := strings.TrimRight(s.opts.BaseURL, "/") + "/.well-known/smart-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", domain.WrapToolError(domain.KindInternal, err, "failed to create discovery request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return "", tokenTransportError(ctx, err, "SMART configuration")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", tokenStatusError(resp.StatusCode, "SMART configuration", string(body))
	}

	var doc struct {
		TokenEndpoint string `json:"token_endpoint"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", domain.WrapToolError(domain.KindUpstreamUnavailable, err, "failed to decode SMART configuration")
	}
	if doc.TokenEndpoint == "" {
		return "", domain.NewToolError(domain.KindAuthenticationFailed, "SMART configuration has no token_endpoint")
	}
	return doc.TokenEndpoint, nil
}

func (s *ClientCredentialsTokenSource) exchange(ctx context.Context, tokenURL string) (*tokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	if s.opts.Scope != "" {
		form.Set("scope", s.opts.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, domain.WrapToolError(domain.KindInternal, err, "failed to create token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(url.QueryEscape(s.opts.ClientID), url.QueryEscape(s.opts.ClientSecret))

	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, tokenTransportError(ctx, err, "token endpoint")
	}
	defer resp.Body.Close()

	var tr tokenResponse
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	decodeErr := json.Unmarshal(body, &tr)

	if resp.StatusCode != http.StatusOK {
		if tr.Error != "" && resp.StatusCode < 500 {
			return nil, &domain.ToolError{
				Kind:       domain.KindAuthenticationFailed,
				Message:    fmt.Sprintf("token endpoint rejected client credentials (status %d): %s %s", resp.StatusCode, tr.Error, tr.ErrorDescription),
				StatusCode: resp.StatusCode,
			}
		}
		return nil, tokenStatusError(resp.StatusCode, "token endpoint", string(body))
	}
	if decodeErr != nil {
		return nil, domain.WrapToolError(domain.KindUpstreamUnavailable, decodeErr, "failed to decode token response")
	}
	if tr.AccessToken == "" {
		return nil, domain.NewToolError(domain.KindUpstreamUnavailable, "token response has no access_token")
	}
	if err := domain.ValidateToken(tr.AccessToken); err != nil {
		return nil, domain.WrapToolError(domain.KindAuthenticationFailed, err, "token endpoint returned an unusable token")
	}
	return &tr, nil
}

var (
	_ domain.TokenSource      = (*FileTokenSource)(nil)
	_ domain.TokenSource      = (*ClientCredentialsTokenSource)(nil)
	_ domain.TokenInvalidator = (*ClientCredentialsTokenSource)(nil)
)
