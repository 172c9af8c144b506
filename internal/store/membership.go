package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/postloom/postloom/backend/internal/models"
)

// MembershipStore is a read-only view over workspace membership, consumed by
// the engine for role checks. Workspace/user CRUD lives elsewhere.
type MembershipStore struct {
	db *sql.DB
}

func NewMembershipStore(db *sql.DB) *MembershipStore { return &MembershipStore{db: db} }

// RoleOf returns the user's role in the workspace, or ErrNotFound when the
// user is not a member.
func (s *MembershipStore) RoleOf(ctx context.Context, userID, workspaceID string) (models.Role, error) {
	var role models.Role
	err := s.db.QueryRowContext(ctx, `
		SELECT role
		  FROM public.workspace_members
		 WHERE user_id = $1 AND workspace_id = $2
	`, userID, workspaceID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("role of: %w", err)
	}
	return role, nil
}

// IsMember reports whether the user belongs to the workspace.
func (s *MembershipStore) IsMember(ctx context.Context, userID, workspaceID string) (bool, error) {
	_, err := s.RoleOf(ctx, userID, workspaceID)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
