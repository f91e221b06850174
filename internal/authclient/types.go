package authclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// FlexibleID accepts a user id sent as a JSON number or string.
type FlexibleID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *FlexibleID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*id = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = FlexibleID(s)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("user id: %w", err)
		}
		if i, err := n.Int64(); err == nil {
			*id = FlexibleID(strconv.FormatInt(i, 10))
			return nil
		}
		*id = FlexibleID(n.String())
	}
	return nil
}

// String returns the id as text.
func (id FlexibleID) String() string { return string(id) }

// User is the user object as the auth API returns it. Older endpoints send
// userId instead of id.
type User struct {
	ID           FlexibleID `json:"id"`
	UserID       FlexibleID `json:"userId"`
	Name         string     `json:"name"`
	Nickname     string     `json:"nickname"`
	Email        string     `json:"email"`
	Role         string     `json:"role"`
	CustomerRole string     `json:"customerRole"`
}

// AuthResponse is the raw response body shared by the login, signup,
// social login, role selection and refresh endpoints. The same fields may
// appear under different names depending on the endpoint, and some
// deployments wrap everything in a data envelope.
type AuthResponse struct {
	Token             string        `json:"token"`
	AccessToken       string        `json:"accessToken"`
	AccessTokenSnake  string        `json:"access_token"`
	RefreshToken      string        `json:"refreshToken"`
	RefreshTokenSnake string        `json:"refresh_token"`
	User              *User         `json:"user"`
	Role              string        `json:"role"`
	CustomerRole      string        `json:"customerRole"`
	Data              *AuthResponse `json:"data"`
}

// LoginInput carries email/password credentials.
type LoginInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,nonblank"`
}

// SignupInput is the sign-up form.
type SignupInput struct {
	Email        string `json:"email" validate:"required,email"`
	Password     string `json:"password" validate:"required,min=8"`
	Name         string `json:"name" validate:"required,nonblank,max=100"`
	Nickname     string `json:"nickname,omitempty" validate:"omitempty,max=50"`
	CustomerRole string `json:"customerRole,omitempty" validate:"omitempty,oneof=caregiver senior"`
}

type socialLoginRequest struct {
	Code string `json:"code" validate:"required,nonblank"`
}

type selectRoleRequest struct {
	CustomerRole string `json:"customerRole" validate:"required,oneof=caregiver senior"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required,nonblank"`
}
