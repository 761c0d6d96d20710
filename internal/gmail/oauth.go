package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/Veraticus/saffron/internal/config"
)

// ErrNoToken means no stored token exists and interactive login is disabled.
var ErrNoToken = errors.New("no gmail token; run 'saffron auth gmail'")

func oauthConfig(cfg config.Gmail, redirect string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  redirect,
		Scopes:       []string{gmailapi.GmailReadonlyScope},
	}
}

// NewService builds a Gmail API client from the stored token.
func NewService(ctx context.Context, cfg config.Gmail) (*gmailapi.Service, error) {
	token, err := LoadToken(cfg.TokenFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoToken
		}
		return nil, fmt.Errorf("failed to load gmail token: %w", err)
	}

	source := &savingTokenSource{
		base: oauthConfig(cfg, "").TokenSource(ctx, token),
		path: cfg.TokenFile,
		last: token,
	}

	srv, err := gmailapi.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(ctx, source)))
	if err != nil {
		return nil, fmt.Errorf("unable to create gmail service: %w", err)
	}
	return srv, nil
}

// Authenticate performs the OAuth2 flow interactively and stores the token.
func Authenticate(ctx context.Context, cfg config.Gmail) (*oauth2.Token, error) {
	oauthCfg := oauthConfig(cfg, "http://localhost:8080/callback")

	codeChan := make(chan string, 1)
	errorChan := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		if code == "" {
			errorChan <- fmt.Errorf("no authorization code received")
			_, _ = fmt.Fprint(w, "Authentication failed. Please try again.")
			return
		}
		codeChan <- code
		_, _ = fmt.Fprint(w, "Authentication successful. You can close this window.")
	})
	server := &http.Server{Addr: ":8080", Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			errorChan <- fmt.Errorf("failed to start callback server: %w", err)
		}
	}()

	authURL := oauthCfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	slog.Info("Gmail authentication required")
	slog.Info("Please visit this URL to authenticate", "url", authURL)

	var authCode string
	select {
	case authCode = <-codeChan:
	case err := <-errorChan:
		_ = server.Shutdown(ctx)
		return nil, err
	case <-ctx.Done():
		_ = server.Shutdown(context.Background())
		return nil, ctx.Err()
	case <-time.After(5 * time.Minute):
		_ = server.Shutdown(ctx)
		return nil, fmt.Errorf("authentication timeout - no response received within 5 minutes")
	}

	if err := server.Shutdown(ctx); err != nil {
		slog.Warn("Error shutting down callback server", "error", err)
	}

	token, err := oauthCfg.Exchange(ctx, authCode)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	if err := saveToken(cfg.TokenFile, token); err != nil {
		return nil, err
	}
	slog.Info("Token saved", "file", cfg.TokenFile)

	return token, nil
}

// LoadToken loads a token from file.
func LoadToken(tokenFile string) (*oauth2.Token, error) {
	f, err := os.Open(tokenFile) // #nosec G304
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	token := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(token); err != nil {
		return nil, fmt.Errorf("failed to decode token: %w", err)
	}
	return token, nil
}

func saveToken(path string, token *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600) // #nosec G304
	if err != nil {
		return fmt.Errorf("failed to create token file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := json.NewEncoder(f).Encode(token); err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	return nil
}

// savingTokenSource writes refreshed tokens back to disk.
type savingTokenSource struct {
	base oauth2.TokenSource
	last *oauth2.Token
	path string
	mu   sync.Mutex
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil || token.AccessToken != s.last.AccessToken {
		if err := saveToken(s.path, token); err != nil {
			slog.Warn("Failed to save refreshed token", "error", err)
		}
		s.last = token
	}
	return token, nil
}
