package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	gc "github.com/joshsymonds/inboxrules/internal/gmail"
)

type Scope int

const (
	ScopeReadonly Scope = iota
	ScopeModify
)

func (s Scope) url() string {
	if s == ScopeReadonly {
		return gmailv1.GmailReadonlyScope
	}
	return gmailv1.GmailModifyScope
}

// ErrNoToken is returned when the token file is missing. Obtaining a token is
// left to the user's existing OAuth tooling.
var ErrNoToken = errors.New("no oauth token; authorize once and save the token file")

// Credentials locate the OAuth client secret and a previously saved token.
type Credentials struct {
	ClientSecretFile string
	TokenFile        string
}

// NewGmailClient builds a gmail.Client from saved credentials. Refreshed
// tokens are written back to TokenFile.
func NewGmailClient(ctx context.Context, creds Credentials, scope Scope, opts AdapterOptions) (gc.Client, error) {
	secret, err := os.ReadFile(creds.ClientSecretFile)
	if err != nil {
		return nil, fmt.Errorf("read client secret %s: %w", creds.ClientSecretFile, err)
	}
	cfg, err := google.ConfigFromJSON(secret, scope.url())
	if err != nil {
		return nil, fmt.Errorf("parse oauth config: %w", err)
	}
	tok, err := ReadToken(creds.TokenFile)
	if err != nil {
		return nil, err
	}
	src := &savingSource{
		base: cfg.TokenSource(ctx, tok),
		path: creds.TokenFile,
		last: tok.AccessToken,
	}
	svc, err := gmailv1.NewService(ctx, option.WithTokenSource(oauth2.ReuseTokenSource(tok, src)))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return NewGoogleAPIClient(svc, opts), nil
}

// ReadToken loads a JSON-encoded oauth2 token.
func ReadToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrNoToken)
	}
	if err != nil {
		return nil, fmt.Errorf("open token: %w", err)
	}
	defer f.Close()
	var tok oauth2.Token
	if err := json.NewDecoder(f).Decode(&tok); err != nil {
		return nil, fmt.Errorf("decode token %s: %w", path, err)
	}
	return &tok, nil
}

// SaveToken writes tok atomically.
func SaveToken(path string, tok *oauth2.Token) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create token file: %w", err)
	}
	if err := json.NewEncoder(f).Encode(tok); err != nil {
		f.Close()
		return fmt.Errorf("encode token: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// savingSource persists refreshed tokens so the next run does not need a new
// refresh.
type savingSource struct {
	base oauth2.TokenSource
	path string
	last string
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			return nil, fmt.Errorf("%w: refresh token: %w", gc.ErrPermanent, err)
		}
		return nil, fmt.Errorf("%w: refresh token: %w", gc.ErrNotDispatched, err)
	}
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := SaveToken(s.path, tok); err != nil {
			slog.Default().Warn("save refreshed token", "path", s.path, "err", err)
		}
	}
	return tok, nil
}

func DefaultLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// NewLogger returns a text or json logger at level ("debug", "info", "warn",
// "error").
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if level = strings.TrimSpace(level); level == "" {
		level = "info"
	}
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}
