// Package principal builds the immutable request identity consumed by the
// visibility engine. Tokens are issued upstream; this package only verifies
// and decodes them, converting the free-form permission blob into the typed
// capability table once, at load time.
package principal

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"agencydesk/internal/domain"
)

// ValidationError indicates malformed input rejected before touching the store.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Claims is the token payload shape produced by the upstream auth service.
type Claims struct {
	UserID   int64  `json:"user_id"`
	AgencyID int64  `json:"agency_id"`
	Role     Role   `json:"role"`
	Org      Org    `json:"org"`
	ClientID int64  `json:"client_id,omitempty"`
	jwt.RegisteredClaims
}

type Role struct {
	RoleName    string                       `json:"role_name"`
	Permissions map[string]map[string]string `json:"permissions"`
}

type Org struct {
	DepartmentID int64 `json:"department_id,omitempty"`
	TeamID       int64 `json:"team_id,omitempty"`
}

// FromToken verifies an HS256 token and resolves its claims into a Principal.
func FromToken(token string, secret []byte) (domain.Principal, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return domain.Principal{}, fmt.Errorf("parse token: %w", err)
	}
	if !parsed.Valid {
		return domain.Principal{}, errors.New("token not valid")
	}
	return FromClaims(claims)
}

// FromClaims validates raw claims into a Principal. The permission blob is
// checked against the closed resource-kind set here rather than trusted on
// every access; unknown resources are dropped and unknown scope strings
// fail closed to "none".
func FromClaims(c Claims) (domain.Principal, error) {
	if c.UserID <= 0 {
		return domain.Principal{}, ValidationError{Field: "user_id", Reason: "must be a positive integer"}
	}
	if c.AgencyID <= 0 {
		return domain.Principal{}, ValidationError{Field: "agency_id", Reason: "must be a positive integer"}
	}
	if c.Role.RoleName == "" {
		return domain.Principal{}, ValidationError{Field: "role.role_name", Reason: "required"}
	}

	perms := make(map[domain.ResourceKind]domain.Grant, len(c.Role.Permissions))
	for _, kind := range domain.Kinds() {
		raw, ok := c.Role.Permissions[string(kind)]
		if !ok {
			continue
		}
		g := domain.Grant{View: domain.ParseScope(raw[string(domain.ActionView)])}
		if edit, ok := raw[string(domain.ActionEdit)]; ok {
			g.Edit = domain.ParseScope(edit)
		}
		perms[kind] = g
	}

	return domain.Principal{
		UserID:       c.UserID,
		RoleName:     c.Role.RoleName,
		Permissions:  perms,
		AgencyID:     c.AgencyID,
		DepartmentID: c.Org.DepartmentID,
		TeamID:       c.Org.TeamID,
		ClientID:     c.ClientID,
	}, nil
}
