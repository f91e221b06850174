// Package authclient talks to the care API's authentication endpoints.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	apperrors "github.com/carepulse/carepulse/pkg/errors"
	"github.com/carepulse/carepulse/pkg/httpclient"
	"github.com/carepulse/carepulse/pkg/logger"
	"github.com/carepulse/carepulse/pkg/tracing"
	"github.com/carepulse/carepulse/pkg/validator"
)

const serviceName = "auth"

// HTTPDoer executes HTTP requests. Both httpclient.Client and
// httpclient.CircuitBreakerClient satisfy it.
type HTTPDoer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Client calls the auth endpoints relative to a base URL.
type Client struct {
	http    HTTPDoer
	baseURL string
	logger  *slog.Logger
}

// New creates an auth client. baseURL is the API root, e.g.
// "https://api.example.com".
func New(doer HTTPDoer, baseURL string, logger *slog.Logger) *Client {
	return &Client{
		http:    doer,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

// Login exchanges email/password for tokens.
func (c *Client) Login(ctx context.Context, in LoginInput) (*AuthResponse, error) {
	if err := validator.Validate(in); err != nil {
		return nil, err
	}
	return c.call(ctx, "auth.login", http.MethodPost, "/auth/login", "", in)
}

// Signup creates an account and returns its tokens.
func (c *Client) Signup(ctx context.Context, in SignupInput) (*AuthResponse, error) {
	if err := validator.Validate(in); err != nil {
		return nil, err
	}
	return c.call(ctx, "auth.signup", http.MethodPost, "/auth/signup", "", in)
}

// SocialLogin exchanges a Kakao authorization code for tokens.
func (c *Client) SocialLogin(ctx context.Context, code string) (*AuthResponse, error) {
	body := socialLoginRequest{Code: code}
	if err := validator.Validate(body); err != nil {
		return nil, err
	}
	return c.call(ctx, "auth.social_login", http.MethodPost, "/auth/social/kakao", "", body)
}

// SelectRole assigns the caregiver or senior role to the bearer's account.
func (c *Client) SelectRole(ctx context.Context, token, role string) (*AuthResponse, error) {
	if token == "" {
		return nil, apperrors.InvalidArgument("access token is required")
	}
	body := selectRoleRequest{CustomerRole: role}
	if err := validator.Validate(body); err != nil {
		return nil, err
	}
	return c.call(ctx, "auth.select_role", http.MethodPost, "/auth/role", token, body)
}

// Logout revokes the bearer's session on the server.
func (c *Client) Logout(ctx context.Context, token string) error {
	if token == "" {
		return apperrors.InvalidArgument("access token is required")
	}
	_, err := c.call(ctx, "auth.logout", http.MethodPost, "/auth/logout", token, nil)
	return err
}

// Refresh exchanges a refresh token for a new access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*AuthResponse, error) {
	body := refreshRequest{RefreshToken: refreshToken}
	if err := validator.Validate(body); err != nil {
		return nil, err
	}
	return c.call(ctx, "auth.refresh", http.MethodPost, "/auth/refresh", "", body)
}

// Withdraw deletes the bearer's account.
func (c *Client) Withdraw(ctx context.Context, token string) error {
	if token == "" {
		return apperrors.InvalidArgument("access token is required")
	}
	_, err := c.call(ctx, "auth.withdraw", http.MethodDelete, "/users/me", token, nil)
	return err
}

func (c *Client) call(ctx context.Context, op, method, path, token string, payload any) (out *AuthResponse, err error) {
	ctx, span := tracing.StartClient(ctx, "authclient", op,
		attribute.String("http.method", method),
		attribute.String("http.route", path),
	)
	defer func() { tracing.End(span, err) }()

	var body io.Reader = http.NoBody
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	correlationID := logger.CorrelationIDFromContext(ctx)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	req.Header.Set("X-Correlation-ID", correlationID)
	tracing.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("call %s service: %w", serviceName, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err = httpclient.ParseResponseError(resp, serviceName)
		c.logger.WarnContext(ctx, "auth request failed",
			slog.String("operation", op),
			slog.Int("status", resp.StatusCode),
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	defer resp.Body.Close()

	out = &AuthResponse{}
	if resp.StatusCode == http.StatusNoContent {
		return out, nil
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", op, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", op, err)
	}

	c.logger.DebugContext(ctx, "auth request completed",
		slog.String("operation", op),
		slog.Int("status", resp.StatusCode),
		slog.String("correlation_id", correlationID),
	)
	return out, nil
}
