// ABOUTME: Participant directory tables for users, admins and assistants
// ABOUTME: Resolves typed references to display profiles

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/2389/coven-chat/internal/participant"
)

// directoryTable maps a kind to its table and free-text detail column.
func directoryTable(kind participant.Kind) (table, detail string, err error) {
	switch kind {
	case participant.KindUser:
		return "users", "email", nil
	case participant.KindAdmin:
		return "admins", "email", nil
	case participant.KindAssistant:
		return "assistants", "description", nil
	default:
		return "", "", fmt.Errorf("%w: no directory for kind %q", participant.ErrInvalidRef, kind)
	}
}

// CreateParticipant adds a directory entry and returns its reference.
// detail is the email for users and admins, the description for assistants.
func (s *SQLiteStore) CreateParticipant(ctx context.Context, kind participant.Kind, name, detail string) (participant.Ref, error) {
	table, detailCol, err := directoryTable(kind)
	if err != nil {
		return participant.Ref{}, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO `+table+` (name, `+detailCol+`, is_active, created_at) VALUES (?, ?, 1, ?)`,
		name, nullString(detail), formatTime(time.Now()),
	)
	if err != nil {
		return participant.Ref{}, fmt.Errorf("inserting %s: %w", kind, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return participant.Ref{}, fmt.Errorf("reading %s id: %w", kind, err)
	}
	return participant.New(kind, id), nil
}

// GetProfile resolves a reference to its profile.
// Unknown references yield participant.ErrNotFound.
func (s *SQLiteStore) GetProfile(ctx context.Context, ref participant.Ref) (*participant.Profile, error) {
	table, _, err := directoryTable(ref.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", participant.ErrNotFound, ref)
	}

	var name string
	var active int
	err = s.db.QueryRowContext(ctx, `SELECT name, is_active FROM `+table+` WHERE id = ?`, ref.ID).Scan(&name, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", participant.ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", ref.Kind, err)
	}

	return &participant.Profile{Ref: ref, Name: name, Active: active == 1}, nil
}
