package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gitswarm/gitswarm/internal/core"
)

// APIKeyPrefix marks every issued agent key.
const APIKeyPrefix = "gsw_"

// RegisterAgent creates an agent and returns it together with the API
// key. The key is returned exactly once; only its hex SHA-256 is stored.
func (s *Store) RegisterAgent(ctx context.Context, name string) (*core.Agent, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", core.ErrValidation(core.CodeBadConfig, "agent name must not be empty")
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generating api key: %w", err)
	}
	key := APIKeyPrefix + hex.EncodeToString(raw)

	agent := &core.Agent{
		ID:        uuid.NewString(),
		Name:      name,
		KeyHash:   HashAPIKey(key),
		Karma:     0,
		Status:    core.AgentActive,
		CreatedAt: time.Now(),
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO "+s.T("agents")+" (id, name, key_hash, karma, status, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		agent.ID, agent.Name, agent.KeyHash, agent.Karma, string(agent.Status), formatTime(agent.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, "", core.ErrValidation(core.CodeBadConfig, fmt.Sprintf("agent name %q is already taken", name))
		}
		return nil, "", fmt.Errorf("inserting agent: %w", err)
	}

	return agent, key, nil
}

// HashAPIKey returns the hex SHA-256 digest of an API key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// GetAgent loads an agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*core.Agent, error) {
	return s.scanAgent(s.db.QueryRowContext(ctx,
		"SELECT id, name, key_hash, karma, status, created_at FROM "+s.T("agents")+" WHERE id = ?", id))
}

// GetAgentByName loads an agent by unique name.
func (s *Store) GetAgentByName(ctx context.Context, name string) (*core.Agent, error) {
	return s.scanAgent(s.db.QueryRowContext(ctx,
		"SELECT id, name, key_hash, karma, status, created_at FROM "+s.T("agents")+" WHERE name = ?", name))
}

// AuthenticateAPIKey resolves an agent from a presented API key.
func (s *Store) AuthenticateAPIKey(ctx context.Context, key string) (*core.Agent, error) {
	return s.scanAgent(s.db.QueryRowContext(ctx,
		"SELECT id, name, key_hash, karma, status, created_at FROM "+s.T("agents")+" WHERE key_hash = ?", HashAPIKey(key)))
}

// ResolveAgent accepts either an agent id or a name.
func (s *Store) ResolveAgent(ctx context.Context, ref string) (*core.Agent, error) {
	agent, err := s.GetAgent(ctx, ref)
	if err == nil {
		return agent, nil
	}
	if !core.IsCode(err, core.CodeAgentNotFound) {
		return nil, err
	}
	return s.GetAgentByName(ctx, ref)
}

func (s *Store) scanAgent(row *sql.Row) (*core.Agent, error) {
	var a core.Agent
	var status, createdAt string
	err := row.Scan(&a.ID, &a.Name, &a.KeyHash, &a.Karma, &status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound(core.CodeAgentNotFound, "agent", "")
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}
	a.Status = core.AgentStatus(status)
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

// ListAgents returns all agents ordered by name.
func (s *Store) ListAgents(ctx context.Context) ([]core.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, key_hash, karma, status, created_at FROM "+s.T("agents")+" ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []core.Agent
	for rows.Next() {
		var a core.Agent
		var status, createdAt string
		if err := rows.Scan(&a.ID, &a.Name, &a.KeyHash, &a.Karma, &status, &createdAt); err != nil {
			return nil, err
		}
		a.Status = core.AgentStatus(status)
		a.CreatedAt = parseTime(createdAt)
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// AdjustKarma applies a karma delta through a single-writer UPDATE.
// Karma never goes below zero. Never read-modify-write karma in
// application code.
func (s *Store) AdjustKarma(ctx context.Context, agentID string, delta int) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE "+s.T("agents")+" SET karma = MAX(0, karma + ?) WHERE id = ?", delta, agentID)
	if err != nil {
		return fmt.Errorf("adjusting karma: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return core.ErrNotFound(core.CodeAgentNotFound, "agent", agentID)
	}
	return nil
}

// SetAgentStatus flips an agent's status. Agents referenced by streams or
// reviews are never deleted; they become inactive instead.
func (s *Store) SetAgentStatus(ctx context.Context, agentID string, status core.AgentStatus) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE "+s.T("agents")+" SET status = ? WHERE id = ?", string(status), agentID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return core.ErrNotFound(core.CodeAgentNotFound, "agent", agentID)
	}
	return nil
}
