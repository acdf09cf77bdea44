package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"agencydesk/internal/domain"
	"agencydesk/internal/scope"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

// scopedWhere appends the compiled visibility filter to a clause list.
// Callers must short-circuit on flt.None() before building a query.
func scopedWhere(clauses []string, args []any, flt scope.Filter) ([]string, []any) {
	if flt.All {
		return clauses, args
	}
	return append(clauses, "("+flt.Where+")"), append(args, flt.Args...)
}

func whereClause(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(clauses, " AND ")
}

// visibleRow reports whether a single record passes the compiled filter.
// Used by the Get*Scoped lookups to distinguish forbidden from not-found.
func (r Repo) visibleRow(ctx context.Context, table, idColumn string, id int64, flt scope.Filter) (bool, error) {
	if flt.All {
		return true, nil
	}
	if flt.None() {
		return false, nil
	}
	var n int
	err := r.DB.QueryRowContext(ctx,
		"SELECT 1 FROM "+table+" WHERE "+table+"."+idColumn+" = ? AND ("+flt.Where+") LIMIT 1",
		append([]any{id}, flt.Args...)...).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// --- agencies / org units ---

func (r Repo) InsertAgency(ctx context.Context, name, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO agencies(agency_name, created_at) VALUES (?,?)`, name, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) InsertDepartment(ctx context.Context, d domain.Department) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO departments(agency_id, department_name, manager_id, created_at) VALUES (?,?,?,?)`,
		d.AgencyID, d.Name, nullableInt64Ptr(d.ManagerID), d.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) InsertTeam(ctx context.Context, t domain.Team) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO teams(agency_id, department_id, team_name, lead_id, created_at) VALUES (?,?,?,?,?)`,
		t.AgencyID, t.DepartmentID, t.Name, nullableInt64Ptr(t.LeadID), t.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetTeam(ctx context.Context, id int64) (domain.Team, error) {
	var t domain.Team
	var lead sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT team_id, agency_id, department_id, team_name, lead_id, created_at FROM teams WHERE team_id=?`, id).
		Scan(&t.ID, &t.AgencyID, &t.DepartmentID, &t.Name, &lead, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if lead.Valid {
		t.LeadID = &lead.Int64
	}
	return t, err
}

func (r Repo) ListDepartments(ctx context.Context, flt scope.Filter) ([]domain.Department, error) {
	if flt.None() {
		return nil, nil
	}
	clauses, args := scopedWhere(nil, nil, flt)
	query := `SELECT department_id, agency_id, department_name, manager_id, created_at FROM departments ` +
		whereClause(clauses) + ` ORDER BY created_at DESC, department_id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Department
	for rows.Next() {
		var d domain.Department
		var manager sql.NullInt64
		if err := rows.Scan(&d.ID, &d.AgencyID, &d.Name, &manager, &d.CreatedAt); err != nil {
			return nil, err
		}
		if manager.Valid {
			d.ManagerID = &manager.Int64
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) ListTeams(ctx context.Context, flt scope.Filter) ([]domain.Team, error) {
	if flt.None() {
		return nil, nil
	}
	clauses, args := scopedWhere(nil, nil, flt)
	query := `SELECT team_id, agency_id, department_id, team_name, lead_id, created_at FROM teams ` +
		whereClause(clauses) + ` ORDER BY created_at DESC, team_id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Team
	for rows.Next() {
		var t domain.Team
		var lead sql.NullInt64
		if err := rows.Scan(&t.ID, &t.AgencyID, &t.DepartmentID, &t.Name, &lead, &t.CreatedAt); err != nil {
			return nil, err
		}
		if lead.Valid {
			t.LeadID = &lead.Int64
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// --- users ---

func (r Repo) InsertUser(ctx context.Context, u domain.User) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO users(agency_id, team_id, role_name, email, full_name, is_active, created_at) VALUES (?,?,?,?,?,?,?)`,
		u.AgencyID, nullableInt64Ptr(u.TeamID), u.RoleName, u.Email, u.FullName, u.IsActive, u.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetUser(ctx context.Context, id int64) (domain.User, error) {
	var u domain.User
	var teamID sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT user_id, agency_id, team_id, role_name, email, full_name, is_active, created_at FROM users WHERE user_id=?`, id).
		Scan(&u.ID, &u.AgencyID, &teamID, &u.RoleName, &u.Email, &u.FullName, &u.IsActive, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if teamID.Valid {
		u.TeamID = &teamID.Int64
	}
	return u, err
}

// ListActiveAdmins returns the active Admin-role users of one agency,
// the admin fan-out recipient set.
func (r Repo) ListActiveAdmins(ctx context.Context, agencyID int64) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_id, agency_id, team_id, role_name, email, full_name, is_active, created_at
FROM users WHERE agency_id=? AND role_name='Admin' AND is_active=1 ORDER BY user_id`, agencyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var teamID sql.NullInt64
		if err := rows.Scan(&u.ID, &u.AgencyID, &teamID, &u.RoleName, &u.Email, &u.FullName, &u.IsActive, &u.CreatedAt); err != nil {
			return nil, err
		}
		if teamID.Valid {
			u.TeamID = &teamID.Int64
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// --- clients ---

func (r Repo) InsertClient(ctx context.Context, c domain.Client) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO clients(agency_id, company_name, account_manager_id, portal_user_id, created_by, is_active, created_at) VALUES (?,?,?,?,?,?,?)`,
		c.AgencyID, c.CompanyName, nullableInt64Ptr(c.AccountManagerID), nullableInt64Ptr(c.PortalUserID), c.CreatedBy, c.IsActive, c.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanClient(row *sql.Row) (domain.Client, error) {
	var c domain.Client
	var manager, portal sql.NullInt64
	err := row.Scan(&c.ID, &c.AgencyID, &c.CompanyName, &manager, &portal, &c.CreatedBy, &c.IsActive, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if manager.Valid {
		c.AccountManagerID = &manager.Int64
	}
	if portal.Valid {
		c.PortalUserID = &portal.Int64
	}
	return c, err
}

const clientColumns = `client_id, agency_id, company_name, account_manager_id, portal_user_id, created_by, is_active, created_at`

func (r Repo) GetClient(ctx context.Context, id int64) (domain.Client, error) {
	return scanClient(r.DB.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE client_id=?`, id))
}

func (r Repo) GetClientScoped(ctx context.Context, id int64, flt scope.Filter) (domain.Client, error) {
	c, err := r.GetClient(ctx, id)
	if err != nil {
		return c, err
	}
	ok, err := r.visibleRow(ctx, "clients", "client_id", id, flt)
	if err != nil {
		return domain.Client{}, err
	}
	if !ok {
		return domain.Client{}, scope.ForbiddenError{Kind: domain.KindClients, ID: id}
	}
	return c, nil
}

// ClientIDForPortalUser finds the client record a portal user belongs to.
func (r Repo) ClientIDForPortalUser(ctx context.Context, userID int64) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT client_id FROM clients WHERE portal_user_id=? AND is_active=1`, userID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return id, err
}

func (r Repo) ListClients(ctx context.Context, flt scope.Filter) ([]domain.Client, error) {
	if flt.None() {
		return nil, nil
	}
	clauses, args := scopedWhere(nil, nil, flt)
	query := `SELECT ` + clientColumns + ` FROM clients ` + whereClause(clauses) + ` ORDER BY created_at DESC, client_id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Client
	for rows.Next() {
		var c domain.Client
		var manager, portal sql.NullInt64
		if err := rows.Scan(&c.ID, &c.AgencyID, &c.CompanyName, &manager, &portal, &c.CreatedBy, &c.IsActive, &c.CreatedAt); err != nil {
			return nil, err
		}
		if manager.Valid {
			c.AccountManagerID = &manager.Int64
		}
		if portal.Valid {
			c.PortalUserID = &portal.Int64
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// --- projects ---

const projectColumns = `project_id, agency_id, client_id, project_name, project_manager_id, created_by, status, client_visible, is_active, created_at`

func (r Repo) InsertProject(ctx context.Context, p domain.Project) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO projects(agency_id, client_id, project_name, project_manager_id, created_by, status, client_visible, is_active, created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.AgencyID, p.ClientID, p.Name, p.ProjectManagerID, p.CreatedBy, p.Status, p.ClientVisible, p.IsActive, p.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.AgencyID, &p.ClientID, &p.Name, &p.ProjectManagerID, &p.CreatedBy, &p.Status, &p.ClientVisible, &p.IsActive, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) GetProject(ctx context.Context, id int64) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE project_id=?`, id))
}

func (r Repo) GetProjectScoped(ctx context.Context, id int64, flt scope.Filter) (domain.Project, error) {
	p, err := r.GetProject(ctx, id)
	if err != nil {
		return p, err
	}
	ok, err := r.visibleRow(ctx, "projects", "project_id", id, flt)
	if err != nil {
		return domain.Project{}, err
	}
	if !ok {
		return domain.Project{}, scope.ForbiddenError{Kind: domain.KindProjects, ID: id}
	}
	return p, nil
}

func (r Repo) ListProjects(ctx context.Context, flt scope.Filter) ([]domain.Project, error) {
	if flt.None() {
		return nil, nil
	}
	clauses, args := scopedWhere([]string{"is_active = 1"}, nil, flt)
	query := `SELECT ` + projectColumns + ` FROM projects ` + whereClause(clauses) + ` ORDER BY created_at DESC, project_id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.AgencyID, &p.ClientID, &p.Name, &p.ProjectManagerID, &p.CreatedBy, &p.Status, &p.ClientVisible, &p.IsActive, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProjectStatus(ctx context.Context, tx *sql.Tx, id int64, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status=? WHERE project_id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- project members ---

func (r Repo) InsertProjectMember(ctx context.Context, tx *sql.Tx, projectID, userID, addedBy int64, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO project_members(project_id, user_id, added_by, is_active, added_at) VALUES (?,?,?,1,?)
ON CONFLICT(project_id, user_id) DO UPDATE SET is_active=1, added_by=excluded.added_by, added_at=excluded.added_at`,
		projectID, userID, addedBy, now)
	return err
}

func (r Repo) IsProjectMember(ctx context.Context, projectID, userID int64) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM project_members WHERE project_id=? AND user_id=? AND is_active=1 LIMIT 1`, projectID, userID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
