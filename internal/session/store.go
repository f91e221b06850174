package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/carepulse/carepulse/internal/authclient"
	"github.com/carepulse/carepulse/internal/storage"
	"github.com/carepulse/carepulse/internal/tokenclock"
	apperrors "github.com/carepulse/carepulse/pkg/errors"
)

// Durable keys owned by the session.
const (
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
	KeyUser         = "user"
	KeyCustomerRole = "customerRole"

	// DefaultNamespacePrefix marks keys written by other per-user stores.
	// ClearSession removes all of them.
	DefaultNamespacePrefix = "carepulse:"
)

// AuthAPI is the auth collaborator. *authclient.Client implements it.
type AuthAPI interface {
	Login(ctx context.Context, in authclient.LoginInput) (*authclient.AuthResponse, error)
	Signup(ctx context.Context, in authclient.SignupInput) (*authclient.AuthResponse, error)
	SocialLogin(ctx context.Context, code string) (*authclient.AuthResponse, error)
	SelectRole(ctx context.Context, token, role string) (*authclient.AuthResponse, error)
	Logout(ctx context.Context, token string) error
	Refresh(ctx context.Context, refreshToken string) (*authclient.AuthResponse, error)
	Withdraw(ctx context.Context, token string) error
}

// Invalidator is told whenever the active user ends or changes.
type Invalidator interface {
	Invalidate(ctx context.Context)
}

// InvalidatorFunc adapts a function to Invalidator.
type InvalidatorFunc func(ctx context.Context)

// Invalidate calls f(ctx).
func (f InvalidatorFunc) Invalidate(ctx context.Context) { f(ctx) }

// UserPatch holds profile fields to change. Nil fields are left alone.
type UserPatch struct {
	DisplayName *string
	Email       *string
}

// Option configures a Store.
type Option func(*Store)

// WithNamespacePrefix overrides DefaultNamespacePrefix.
func WithNamespacePrefix(prefix string) Option {
	return func(s *Store) { s.namespacePrefix = prefix }
}

// Store is the single owner of the session. Mutations are serialized; reads
// return copies.
type Store struct {
	kv              storage.Store
	auth            AuthAPI
	invalidator     Invalidator
	logger          *slog.Logger
	namespacePrefix string

	// opMu serializes mutations, including their collaborator calls.
	opMu sync.Mutex

	mu           sync.RWMutex
	state        State
	user         *User
	accessToken  string
	refreshToken string
	primaryRole  string
	assignedRole string
	hydrated     bool
	loading      bool
	lastErr      error

	hydratedOnce sync.Once
	hydratedCh   chan struct{}
}

// NewStore creates an uninitialized store. Call Rehydrate before use.
func NewStore(kv storage.Store, auth AuthAPI, invalidator Invalidator, logger *slog.Logger, opts ...Option) *Store {
	if invalidator == nil {
		invalidator = InvalidatorFunc(func(context.Context) {})
	}
	s := &Store{
		kv:              kv,
		auth:            auth,
		invalidator:     invalidator,
		logger:          logger,
		namespacePrefix: DefaultNamespacePrefix,
		state:           StateUninitialized,
		hydratedCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot returns a copy of the current session.
func (s *Store) Snapshot() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Session {
	out := Session{
		PrimaryRole:  s.primaryRole,
		AssignedRole: s.assignedRole,
		AccessToken:  s.accessToken,
		RefreshToken: s.refreshToken,
		Hydrated:     s.hydrated,
	}
	if s.user != nil {
		out.UserID = s.user.ID
		out.DisplayName = s.user.Name
		out.Email = s.user.Email
	}
	return out
}

// IsAuthenticated reports whether a user and an access token are held.
func (s *Store) IsAuthenticated() bool {
	return s.Snapshot().IsAuthenticated()
}

// State returns the lifecycle state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Loading reports whether a login-style operation is in flight.
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// LastError returns the error of the most recent login-style operation, or
// nil if it succeeded.
func (s *Store) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Rehydrated is closed once Rehydrate has finished.
func (s *Store) Rehydrated() <-chan struct{} {
	return s.hydratedCh
}

// SetSession installs p as the current session and persists it. A change of
// user id, including none to some, invalidates every other store before the
// new session becomes readable.
func (s *Store) SetSession(ctx context.Context, p Payload) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.setSessionLocked(ctx, p)
}

func (s *Store) setSessionLocked(ctx context.Context, p Payload) error {
	if p.User == nil || p.User.ID == "" {
		return apperrors.InvalidArgument("session payload has no user id")
	}
	if p.AccessToken == "" {
		return apperrors.InvalidArgument("session payload has no access token")
	}

	user := *p.User
	user.Role = firstNonEmpty(p.PrimaryRole, user.Role)
	user.CustomerRole = firstNonEmpty(p.AssignedRole, user.CustomerRole)

	s.mu.RLock()
	prevID := ""
	if s.user != nil {
		prevID = s.user.ID
	}
	s.mu.RUnlock()

	if prevID != user.ID {
		s.logger.InfoContext(ctx, "session user changed, invalidating per-user state",
			slog.Bool("had_user", prevID != ""),
			slog.String("user_id", user.ID),
		)
		s.invalidator.Invalidate(ctx)
	}

	s.mu.Lock()
	s.user = &user
	s.accessToken = p.AccessToken
	s.refreshToken = p.RefreshToken
	s.primaryRole = user.Role
	s.assignedRole = user.CustomerRole
	s.state = StateAuthenticated
	s.mu.Unlock()

	if err := s.persist(ctx, &user, p.AccessToken, p.RefreshToken, user.CustomerRole); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist session",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

func (s *Store) persist(ctx context.Context, user *User, access, refresh, role string) error {
	blob, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}

	var errs []error
	set := func(key, value string) {
		var err error
		if value == "" {
			err = s.kv.Delete(ctx, key)
		} else {
			err = s.kv.Set(ctx, key, value)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("persist %s: %w", key, err))
		}
	}
	set(KeyAccessToken, access)
	set(KeyRefreshToken, refresh)
	set(KeyUser, string(blob))
	set(KeyCustomerRole, role)
	return errors.Join(errs...)
}

// ClearSession drops the session from memory and storage, including every
// key under the shared namespace prefix, then invalidates other stores. It
// is safe to call when already logged out.
func (s *Store) ClearSession(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.clearLocked(ctx)
}

func (s *Store) clearLocked(ctx context.Context) error {
	var errs []error
	if err := s.kv.Delete(ctx, KeyAccessToken, KeyRefreshToken, KeyUser, KeyCustomerRole); err != nil {
		errs = append(errs, fmt.Errorf("delete session keys: %w", err))
	}
	if s.namespacePrefix != "" {
		n, err := s.kv.DeletePrefix(ctx, s.namespacePrefix)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete namespaced keys: %w", err))
		}
		s.logger.DebugContext(ctx, "cleared namespaced keys",
			slog.String("prefix", s.namespacePrefix),
			slog.Int("count", n),
		)
	}

	s.mu.Lock()
	s.user = nil
	s.accessToken = ""
	s.refreshToken = ""
	s.primaryRole = ""
	s.assignedRole = ""
	s.state = StateUnauthenticated
	s.mu.Unlock()

	s.invalidator.Invalidate(ctx)
	s.logger.InfoContext(ctx, "session cleared")

	if err := errors.Join(errs...); err != nil {
		s.logger.ErrorContext(ctx, "failed to clear durable session", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// Rehydrate rebuilds the session from storage. It runs once; later calls
// return nil immediately. Authentication is recomputed from the stored
// user and token, and the store ends up hydrated even when storage is empty
// or unreadable.
func (s *Store) Rehydrate(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.hydrated {
		s.mu.Unlock()
		return nil
	}
	s.state = StateHydrating
	s.mu.Unlock()

	var loadErr error
	get := func(key string) string {
		v, err := s.kv.Get(ctx, key)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				loadErr = errors.Join(loadErr, fmt.Errorf("load %s: %w", key, err))
			}
			return ""
		}
		return v
	}

	access := get(KeyAccessToken)
	refresh := get(KeyRefreshToken)
	role := get(KeyCustomerRole)
	blob := get(KeyUser)

	var user *User
	if blob != "" {
		var raw authclient.User
		if err := json.Unmarshal([]byte(blob), &raw); err != nil {
			s.logger.WarnContext(ctx, "discarding unreadable persisted user", slog.String("error", err.Error()))
		} else if u := fromAuthUser(&raw); u.ID != "" {
			user = u
		}
	}

	s.mu.Lock()
	s.user = user
	s.accessToken = access
	s.refreshToken = refresh
	s.primaryRole = ""
	s.assignedRole = role
	if user != nil {
		s.primaryRole = user.Role
		s.assignedRole = firstNonEmpty(role, user.CustomerRole)
		user.CustomerRole = s.assignedRole
	}
	s.hydrated = true
	s.state = StateUnauthenticated
	if s.snapshotLocked().IsAuthenticated() {
		s.state = StateAuthenticated
	}
	state := s.state
	s.mu.Unlock()

	s.hydratedOnce.Do(func() { close(s.hydratedCh) })

	attrs := []any{slog.String("state", state.String())}
	if access != "" {
		if exp, err := tokenclock.ExpiresAt(access); err == nil {
			attrs = append(attrs, slog.Time("token_expires_at", exp))
		}
	}
	s.logger.InfoContext(ctx, "session rehydrated", attrs...)

	if loadErr != nil {
		s.logger.ErrorContext(ctx, "session storage read failed", slog.String("error", loadErr.Error()))
		return loadErr
	}
	return nil
}

// RefreshToken exchanges the refresh token for a new access token and
// returns it. The user is kept, so no invalidation happens. On failure the
// session is left as it was.
func (s *Store) RefreshToken(ctx context.Context) (string, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	cur := s.Snapshot()
	if !cur.IsAuthenticated() {
		return "", apperrors.NotAuthenticated("cannot refresh without a session")
	}
	if cur.RefreshToken == "" {
		return "", apperrors.NotAuthenticated("no refresh token available")
	}

	resp, err := s.auth.Refresh(ctx, cur.RefreshToken)
	if err != nil {
		s.logger.WarnContext(ctx, "token refresh failed",
			slog.String("user_id", cur.UserID),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("refresh token: %w", err)
	}

	p := s.mergeWithCurrent(Normalize(resp))
	if p.AccessToken == "" {
		return "", apperrors.Unauthorized("refresh response carried no access token")
	}
	if err := s.setSessionLocked(ctx, p); err != nil {
		return "", err
	}
	s.logger.InfoContext(ctx, "access token refreshed", slog.String("user_id", cur.UserID))
	return p.AccessToken, nil
}

// mergeWithCurrent fills the gaps of a partial response (refresh, role
// selection) from the held session.
func (s *Store) mergeWithCurrent(p Payload) Payload {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if (p.User == nil || p.User.ID == "") && s.user != nil {
		u := *s.user
		p.User = &u
	}
	p.RefreshToken = firstNonEmpty(p.RefreshToken, s.refreshToken)
	p.PrimaryRole = firstNonEmpty(p.PrimaryRole, s.primaryRole)
	p.AssignedRole = firstNonEmpty(p.AssignedRole, s.assignedRole)
	return p
}

// CurrentToken returns the access token to use right now. The durable key
// wins over memory so a token refreshed elsewhere is picked up.
func (s *Store) CurrentToken(ctx context.Context) string {
	if tok, err := s.kv.Get(ctx, KeyAccessToken); err == nil && tok != "" {
		return tok
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.WarnContext(ctx, "reading stored access token failed", slog.String("error", err.Error()))
	}
	return s.Snapshot().AccessToken
}

// Refresh is RefreshToken under the name stream.TokenProvider expects.
func (s *Store) Refresh(ctx context.Context) (string, error) {
	return s.RefreshToken(ctx)
}

// track records loading and the outcome of one login-style operation.
func (s *Store) track(fn func() error) (err error) {
	s.mu.Lock()
	s.loading = true
	s.lastErr = nil
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.loading = false
		s.lastErr = err
		s.mu.Unlock()
	}()
	return fn()
}

// Login signs in with email and password.
func (s *Store) Login(ctx context.Context, in authclient.LoginInput) error {
	return s.track(func() error {
		s.opMu.Lock()
		defer s.opMu.Unlock()

		resp, err := s.auth.Login(ctx, in)
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
		return s.setSessionLocked(ctx, Normalize(resp))
	})
}

// Signup creates an account and signs in.
func (s *Store) Signup(ctx context.Context, in authclient.SignupInput) error {
	return s.track(func() error {
		s.opMu.Lock()
		defer s.opMu.Unlock()

		resp, err := s.auth.Signup(ctx, in)
		if err != nil {
			return fmt.Errorf("signup: %w", err)
		}
		return s.setSessionLocked(ctx, Normalize(resp))
	})
}

// SocialLogin signs in with a Kakao authorization code.
func (s *Store) SocialLogin(ctx context.Context, code string) error {
	return s.track(func() error {
		s.opMu.Lock()
		defer s.opMu.Unlock()

		resp, err := s.auth.SocialLogin(ctx, code)
		if err != nil {
			return fmt.Errorf("social login: %w", err)
		}
		return s.setSessionLocked(ctx, Normalize(resp))
	})
}

// SelectRole assigns the domain role to the signed-in user.
func (s *Store) SelectRole(ctx context.Context, role string) error {
	return s.track(func() error {
		s.opMu.Lock()
		defer s.opMu.Unlock()

		cur := s.Snapshot()
		if !cur.IsAuthenticated() {
			return apperrors.NotAuthenticated("role selection requires a session")
		}
		resp, err := s.auth.SelectRole(ctx, cur.AccessToken, role)
		if err != nil {
			return fmt.Errorf("select role: %w", err)
		}

		p := Normalize(resp)
		p.AccessToken = firstNonEmpty(p.AccessToken, cur.AccessToken)
		p.AssignedRole = firstNonEmpty(p.AssignedRole, role)
		return s.setSessionLocked(ctx, s.mergeWithCurrent(p))
	})
}

// Logout revokes the session server-side when possible and always clears
// it locally. Server failures are logged, not returned.
func (s *Store) Logout(ctx context.Context) error {
	return s.track(func() error {
		s.opMu.Lock()
		defer s.opMu.Unlock()

		if tok := s.Snapshot().AccessToken; tok != "" {
			if err := s.auth.Logout(ctx, tok); err != nil {
				s.logger.WarnContext(ctx, "server logout failed, clearing locally", slog.String("error", err.Error()))
			}
		}
		return s.clearLocked(ctx)
	})
}

// Withdraw deletes the account and clears the session. When the server
// refuses, the session is kept.
func (s *Store) Withdraw(ctx context.Context) error {
	return s.track(func() error {
		s.opMu.Lock()
		defer s.opMu.Unlock()

		cur := s.Snapshot()
		if !cur.IsAuthenticated() {
			return apperrors.NotAuthenticated("withdrawal requires a session")
		}
		if err := s.auth.Withdraw(ctx, cur.AccessToken); err != nil {
			return fmt.Errorf("withdraw: %w", err)
		}
		s.logger.InfoContext(ctx, "account withdrawn", slog.String("user_id", cur.UserID))
		return s.clearLocked(ctx)
	})
}

// UpdateProfile edits the held user in place and persists it.
func (s *Store) UpdateProfile(ctx context.Context, patch UserPatch) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.user == nil || s.accessToken == "" {
		s.mu.Unlock()
		return apperrors.NotAuthenticated("profile update requires a session")
	}
	u := *s.user
	if patch.DisplayName != nil {
		u.Name = *patch.DisplayName
	}
	if patch.Email != nil {
		u.Email = *patch.Email
	}
	s.user = &u
	s.mu.Unlock()

	blob, err := json.Marshal(&u)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	if err := s.kv.Set(ctx, KeyUser, string(blob)); err != nil {
		return fmt.Errorf("persist %s: %w", KeyUser, err)
	}
	return nil
}
