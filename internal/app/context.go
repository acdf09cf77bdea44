// Package app wires config, store, engine, and dispatcher together for
// the CLI and resolves the acting principal.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"agencydesk/internal/config"
	"agencydesk/internal/domain"
	"agencydesk/internal/notify"
	"agencydesk/internal/principal"
	"agencydesk/internal/repo"
)

// ResolvePrincipal builds the acting principal for a CLI invocation.
// Precedence: a bearer token, then a claims file, then a local user id
// with role-preset permissions. Token and claims paths mirror what the
// auth middleware would hand an API deployment.
func ResolvePrincipal(ctx context.Context, cfg *config.Config, r repo.Repo, token, claimsFile string, userID int64) (domain.Principal, error) {
	switch {
	case token != "":
		if cfg.Auth.TokenSecret == "" {
			return domain.Principal{}, errors.New("auth.token_secret is not configured")
		}
		return principal.FromToken(token, []byte(cfg.Auth.TokenSecret))
	case claimsFile != "":
		data, err := os.ReadFile(claimsFile)
		if err != nil {
			return domain.Principal{}, err
		}
		var c principal.Claims
		if err := json.Unmarshal(data, &c); err != nil {
			return domain.Principal{}, fmt.Errorf("parse claims file: %w", err)
		}
		return principal.FromClaims(c)
	case userID > 0:
		return localPrincipal(ctx, r, userID)
	}
	return domain.Principal{}, errors.New("no principal: pass --token, --claims, or --user")
}

// localPrincipal synthesizes a principal from a stored user row using
// the built-in role presets. Local convenience only; a deployment gets
// real permission maps from its auth layer.
func localPrincipal(ctx context.Context, r repo.Repo, userID int64) (domain.Principal, error) {
	u, err := r.GetUser(ctx, userID)
	if err != nil {
		return domain.Principal{}, fmt.Errorf("user %d: %w", userID, err)
	}
	if !u.IsActive {
		return domain.Principal{}, fmt.Errorf("user %d is inactive", userID)
	}
	pr := domain.Principal{
		UserID:      u.ID,
		RoleName:    u.RoleName,
		AgencyID:    u.AgencyID,
		Permissions: rolePreset(u.RoleName),
	}
	if u.TeamID != nil {
		pr.TeamID = *u.TeamID
		team, err := r.GetTeam(ctx, *u.TeamID)
		if err != nil {
			return domain.Principal{}, err
		}
		pr.DepartmentID = team.DepartmentID
	}
	if u.RoleName == "Client" {
		clientID, err := r.ClientIDForPortalUser(ctx, u.ID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return domain.Principal{}, err
		}
		pr.ClientID = clientID
	}
	return pr, nil
}

// rolePreset maps the built-in role names to permission grants. Unknown
// roles get an empty map, which resolves to nothing for every kind.
func rolePreset(roleName string) map[domain.ResourceKind]domain.Grant {
	grantAll := func(s domain.Scope) map[domain.ResourceKind]domain.Grant {
		m := make(map[domain.ResourceKind]domain.Grant, len(domain.Kinds()))
		for _, k := range domain.Kinds() {
			m[k] = domain.Grant{View: s, Edit: s}
		}
		return m
	}
	switch roleName {
	case "Admin":
		return grantAll(domain.ScopeAll)
	case "Project Manager":
		return grantAll(domain.ScopeAgency)
	case "Department Manager":
		return grantAll(domain.ScopeDepartment)
	case "Team Lead":
		return grantAll(domain.ScopeTeam)
	case "Team Member":
		return map[domain.ResourceKind]domain.Grant{
			domain.KindTasks:    {View: domain.ScopeAssigned, Edit: domain.ScopeAssigned},
			domain.KindProjects: {View: domain.ScopeTeam},
			domain.KindTeams:    {View: domain.ScopeTeam},
		}
	case "Client":
		return map[domain.ResourceKind]domain.Grant{
			domain.KindTasks:    {View: domain.ScopeClient},
			domain.KindProjects: {View: domain.ScopeClient},
			domain.KindClients:  {View: domain.ScopeClient},
		}
	}
	return map[domain.ResourceKind]domain.Grant{}
}

// NewDispatcher assembles the notification dispatcher from config,
// leaving unconfigured channels nil.
func NewDispatcher(cfg *config.Config, r repo.Repo, log *slog.Logger) (notify.Dispatcher, func(), error) {
	d := notify.Dispatcher{
		Repo:        r,
		Log:         log,
		Workers:     cfg.Notifications.Workers,
		AdminFanout: cfg.Notifications.AdminFanout,
		BaseURL:     cfg.Notifications.BaseURL,
	}
	if s := notify.NewSMTPSender(cfg); s != nil {
		d.Email = s
	}
	cleanup := func() {}
	if cfg.Realtime.RedisURL != "" {
		b, err := notify.NewRedisBroadcaster(cfg.Realtime.RedisURL)
		if err != nil {
			return d, cleanup, err
		}
		d.Realtime = b
		cleanup = func() { b.Close() }
	}
	return d, cleanup, nil
}
