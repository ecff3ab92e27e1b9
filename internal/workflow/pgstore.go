package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/pitabwire/waypoint/internal/storage"
	"github.com/pitabwire/waypoint/model"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var instanceColumns = []string{
	"id", "scope", "instance_key", "definition_id", "current_node", "status",
	"variables", "version", "created_at", "last_activity_at",
}

var liveStatuses = []string{model.InstanceStatusRunning, model.InstanceStatusAwaitingInput}

// PgStore is a PostgreSQL-backed Store using pgx/v5. A partial unique index
// on (scope, instance_key) for live statuses enforces one live instance per
// key.
type PgStore struct {
	db storage.DB
}

// NewPgStore creates a new PostgreSQL workflow store.
func NewPgStore(db storage.DB) *PgStore {
	return &PgStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var varsJSON []byte
	if err := row.Scan(
		&inst.ID, &inst.Scope, &inst.Key, &inst.DefinitionID, &inst.CurrentNode, &inst.Status,
		&varsJSON, &inst.Version, &inst.CreatedAt, &inst.LastActivityAt,
	); err != nil {
		return model.WorkflowInstance{}, err
	}
	if len(varsJSON) > 0 {
		if err := json.Unmarshal(varsJSON, &inst.Variables); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal variables: %w", err)
		}
	}
	return inst, nil
}

// Create inserts a new workflow instance.
func (s *PgStore) Create(ctx context.Context, inst model.WorkflowInstance) error {
	varsJSON, err := json.Marshal(inst.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO workflow_instances (
			id, scope, instance_key, definition_id, current_node, status,
			variables, version, created_at, last_activity_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		inst.ID, inst.Scope, inst.Key, inst.DefinitionID, inst.CurrentNode, inst.Status,
		varsJSON, inst.Version, inst.CreatedAt, inst.LastActivityAt,
	)
	if storage.IsUniqueViolation(err) {
		return model.NewConflictError(fmt.Sprintf("live instance already exists for key %q", inst.Key))
	}
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

// Get retrieves a workflow instance by ID.
func (s *PgStore) Get(ctx context.Context, id string) (model.WorkflowInstance, error) {
	query, args, err := psql.Select(instanceColumns...).
		From("workflow_instances").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	inst, err := scanInstance(s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", id))
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// Latest returns the most recently active instance for (scope, key).
func (s *PgStore) Latest(ctx context.Context, scope, key string) (model.WorkflowInstance, bool, error) {
	query, args, err := psql.Select(instanceColumns...).
		From("workflow_instances").
		Where(sq.Eq{"scope": scope, "instance_key": key}).
		OrderBy("last_activity_at DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return model.WorkflowInstance{}, false, err
	}

	inst, err := scanInstance(s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, false, nil
	}
	if err != nil {
		return model.WorkflowInstance{}, false, fmt.Errorf("query latest workflow instance: %w", err)
	}
	return inst, true, nil
}

// Update persists an updated instance with optimistic locking.
func (s *PgStore) Update(ctx context.Context, inst model.WorkflowInstance) error {
	varsJSON, err := json.Marshal(inst.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE workflow_instances SET
			current_node = $1,
			status = $2,
			variables = $3,
			version = $4,
			last_activity_at = $5
		WHERE id = $6 AND version = $7`,
		inst.CurrentNode, inst.Status, varsJSON, inst.Version+1,
		inst.LastActivityAt, inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d)", inst.ID, inst.Version),
		)
	}
	return nil
}

// AppendEvent adds an event to the workflow audit trail.
func (s *PgStore) AppendEvent(ctx context.Context, event model.WorkflowEvent) error {
	var dataJSON []byte
	if len(event.Data) > 0 {
		var err error
		if dataJSON, err = json.Marshal(event.Data); err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO workflow_events (id, instance_id, node_id, event, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.InstanceID, event.NodeID, event.Event, dataJSON, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert workflow event: %w", err)
	}
	return nil
}

// Events retrieves all events for a workflow instance.
func (s *PgStore) Events(ctx context.Context, instanceID string) ([]model.WorkflowEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, instance_id, node_id, event, data, created_at
		FROM workflow_events
		WHERE instance_id = $1
		ORDER BY created_at ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow events: %w", err)
	}
	defer rows.Close()

	var events []model.WorkflowEvent
	for rows.Next() {
		var evt model.WorkflowEvent
		var dataJSON []byte
		if err := rows.Scan(&evt.ID, &evt.InstanceID, &evt.NodeID, &evt.Event, &dataJSON, &evt.Timestamp); err != nil {
			return nil, fmt.Errorf("scan workflow event: %w", err)
		}
		if len(dataJSON) > 0 {
			_ = json.Unmarshal(dataJSON, &evt.Data)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// FindLive returns live instances in scope whose key starts with keyPrefix.
func (s *PgStore) FindLive(ctx context.Context, scope, keyPrefix string, since time.Time) ([]model.WorkflowInstance, error) {
	query, args, err := psql.Select(instanceColumns...).
		From("workflow_instances").
		Where(sq.Eq{"scope": scope, "status": liveStatuses}).
		Where(sq.Like{"instance_key": escapeLike(keyPrefix) + "%"}).
		Where(sq.GtOrEq{"last_activity_at": since}).
		OrderBy("last_activity_at DESC").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query live workflow instances: %w", err)
	}
	defer rows.Close()

	var instances []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
