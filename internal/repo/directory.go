package repo

import (
	"context"
	"database/sql"

	"signoff/internal/domain"
)

// The directory tables back the collaborator lookups the engine needs:
// role members, group members, department managers and manager chains.

func (r Repo) UpsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,display_name,is_active,department,manager_id,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET display_name=excluded.display_name, is_active=excluded.is_active, department=excluded.department, manager_id=excluded.manager_id`,
		u.ID, nullable(u.DisplayName), boolInt(u.IsActive), u.Department, u.ManagerID, u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	var name sql.NullString
	var isActive int
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,display_name,is_active,department,manager_id,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &name, &isActive, &u.Department, &u.ManagerID, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if name.Valid {
		u.DisplayName = name.String
	}
	u.IsActive = isActive != 0
	return u, err
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,display_name,is_active,department,manager_id,created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.User
	for rows.Next() {
		var u domain.User
		var name sql.NullString
		var isActive int
		if err := rows.Scan(&u.ID, &name, &isActive, &u.Department, &u.ManagerID, &u.CreatedAt); err != nil {
			return nil, err
		}
		if name.Valid {
			u.DisplayName = name.String
		}
		u.IsActive = isActive != 0
		out = append(out, u)
	}
	return out, rows.Err()
}

func (r Repo) AssignRole(ctx context.Context, userID, roleName string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO user_roles(user_id, role_name) VALUES (?,?)`, userID, roleName)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, userID, roleName string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id=? AND role_name=?`, userID, roleName)
	return err
}

// UserHasRole reports whether an active user holds the role.
func (r Repo) UserHasRole(ctx context.Context, userID, roleName string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx,
		`SELECT 1 FROM user_roles ur JOIN users u ON u.id=ur.user_id WHERE ur.user_id=? AND ur.role_name=? AND u.is_active=1 LIMIT 1`,
		userID, roleName).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// RoleMembers returns the active users holding a role.
func (r Repo) RoleMembers(ctx context.Context, roleName string) ([]string, error) {
	return r.idList(ctx,
		`SELECT u.id FROM users u JOIN user_roles ur ON ur.user_id=u.id WHERE ur.role_name=? AND u.is_active=1 ORDER BY u.id`, roleName)
}

func (r Repo) AddGroupMember(ctx context.Context, groupName, userID string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO group_members(group_name, user_id) VALUES (?,?)`, groupName, userID)
	return err
}

func (r Repo) RemoveGroupMember(ctx context.Context, groupName, userID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM group_members WHERE group_name=? AND user_id=?`, groupName, userID)
	return err
}

// GroupMembers returns the active members of a group.
func (r Repo) GroupMembers(ctx context.Context, groupName string) ([]string, error) {
	return r.idList(ctx,
		`SELECT u.id FROM users u JOIN group_members gm ON gm.user_id=u.id WHERE gm.group_name=? AND u.is_active=1 ORDER BY u.id`, groupName)
}

func (r Repo) SetDepartmentManager(ctx context.Context, department, managerID string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO department_managers(department, manager_id) VALUES (?,?)`, department, managerID)
	return err
}

func (r Repo) RemoveDepartmentManager(ctx context.Context, department, managerID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM department_managers WHERE department=? AND manager_id=?`, department, managerID)
	return err
}

// DepartmentManagers returns the active managers of a department.
func (r Repo) DepartmentManagers(ctx context.Context, department string) ([]string, error) {
	return r.idList(ctx,
		`SELECT u.id FROM users u JOIN department_managers dm ON dm.manager_id=u.id WHERE dm.department=? AND u.is_active=1 ORDER BY u.id`, department)
}

// ManagersOf returns the distinct active managers of the given users.
func (r Repo) ManagersOf(ctx context.Context, userIDs []string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, id := range userIDs {
		var managerID sql.NullString
		err := r.DB.QueryRowContext(ctx,
			`SELECT m.id FROM users u JOIN users m ON m.id=u.manager_id WHERE u.id=? AND m.is_active=1`, id).Scan(&managerID)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		if managerID.Valid && !seen[managerID.String] {
			seen[managerID.String] = true
			out = append(out, managerID.String)
		}
	}
	return out, nil
}

func (r Repo) idList(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
