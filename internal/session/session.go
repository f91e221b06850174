// Package session owns the authenticated identity and its credentials. It
// persists them to durable storage, rebuilds them at start-up and tells
// other stores, through an Invalidator, when the active user goes away.
package session

import (
	"strings"

	"github.com/carepulse/carepulse/internal/authclient"
)

// Domain roles a user selects after sign-up.
const (
	RoleCaregiver = "caregiver"
	RoleSenior    = "senior"
)

// State is the session lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateHydrating
	StateUnauthenticated
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHydrating:
		return "hydrating"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// User is the canonical user record. Its JSON form is what gets persisted
// under the user key.
type User struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	Email        string `json:"email,omitempty"`
	Role         string `json:"role,omitempty"`
	CustomerRole string `json:"customerRole,omitempty"`
}

// Session is a read-only snapshot of the store.
type Session struct {
	UserID       string
	DisplayName  string
	Email        string
	PrimaryRole  string
	AssignedRole string
	AccessToken  string
	RefreshToken string
	Hydrated     bool
}

// IsAuthenticated reports whether both a user and an access token exist.
func (s Session) IsAuthenticated() bool {
	return s.UserID != "" && s.AccessToken != ""
}

// NeedsRoleSelection reports an authenticated session that has not picked a
// domain role yet.
func (s Session) NeedsRoleSelection() bool {
	return s.IsAuthenticated() && s.AssignedRole == ""
}

// PublicView is the session without credentials, safe to serve or log.
type PublicView struct {
	UserID             string `json:"userId,omitempty"`
	DisplayName        string `json:"displayName,omitempty"`
	Email              string `json:"email,omitempty"`
	PrimaryRole        string `json:"primaryRole,omitempty"`
	AssignedRole       string `json:"assignedRole,omitempty"`
	Authenticated      bool   `json:"authenticated"`
	NeedsRoleSelection bool   `json:"needsRoleSelection"`
	Hydrated           bool   `json:"hydrated"`
	HasRefreshToken    bool   `json:"hasRefreshToken"`
}

// Public strips the tokens.
func (s Session) Public() PublicView {
	return PublicView{
		UserID:             s.UserID,
		DisplayName:        s.DisplayName,
		Email:              s.Email,
		PrimaryRole:        s.PrimaryRole,
		AssignedRole:       s.AssignedRole,
		Authenticated:      s.IsAuthenticated(),
		NeedsRoleSelection: s.NeedsRoleSelection(),
		Hydrated:           s.Hydrated,
		HasRefreshToken:    s.RefreshToken != "",
	}
}

// Payload is the canonical input to SetSession.
type Payload struct {
	User         *User
	AccessToken  string
	RefreshToken string
	PrimaryRole  string
	AssignedRole string
}

// Normalize maps every response shape the auth API produces onto a Payload:
//
//   - the access token as token, accessToken or access_token
//   - the refresh token as refreshToken or refresh_token
//   - the user id as id or userId, number or string
//   - the domain role nested in the user or as a sibling customerRole
//   - the primary role nested in the user or as a sibling role
//   - any of the above inside a data envelope
//
// Top-level fields win over the envelope.
func Normalize(resp *authclient.AuthResponse) Payload {
	if resp == nil {
		return Payload{}
	}

	p := Payload{
		AccessToken:  firstNonEmpty(resp.Token, resp.AccessToken, resp.AccessTokenSnake),
		RefreshToken: firstNonEmpty(resp.RefreshToken, resp.RefreshTokenSnake),
		PrimaryRole:  resp.Role,
		AssignedRole: resp.CustomerRole,
	}
	if resp.User != nil {
		p.User = fromAuthUser(resp.User)
		p.PrimaryRole = firstNonEmpty(p.User.Role, p.PrimaryRole)
		p.AssignedRole = firstNonEmpty(p.User.CustomerRole, p.AssignedRole)
	}

	if resp.Data != nil {
		inner := Normalize(resp.Data)
		if p.User == nil {
			p.User = inner.User
		}
		p.AccessToken = firstNonEmpty(p.AccessToken, inner.AccessToken)
		p.RefreshToken = firstNonEmpty(p.RefreshToken, inner.RefreshToken)
		p.PrimaryRole = firstNonEmpty(p.PrimaryRole, inner.PrimaryRole)
		p.AssignedRole = firstNonEmpty(p.AssignedRole, inner.AssignedRole)
	}

	if p.User != nil {
		p.User.Role = p.PrimaryRole
		p.User.CustomerRole = p.AssignedRole
	}
	return p
}

func fromAuthUser(u *authclient.User) *User {
	return &User{
		ID:           firstNonEmpty(u.ID.String(), u.UserID.String()),
		Name:         firstNonEmpty(u.Name, u.Nickname),
		Email:        u.Email,
		Role:         u.Role,
		CustomerRole: u.CustomerRole,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
