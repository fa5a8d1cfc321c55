package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"homefront/internal/config"
	"homefront/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- families ---

func (r Repo) InsertFamilyTx(ctx context.Context, tx *sql.Tx, f domain.Family) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO families(id,name,created_at) VALUES (?,?,?)`,
		f.ID, f.Name, f.CreatedAt)
	return err
}

func (r Repo) GetFamily(ctx context.Context, id string) (domain.Family, error) {
	var f domain.Family
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM families WHERE id=?`, id).
		Scan(&f.ID, &f.Name, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	return f, err
}

func (r Repo) SingleFamily(ctx context.Context) (domain.Family, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM families`)
	if err != nil {
		return domain.Family{}, err
	}
	defer rows.Close()
	var families []domain.Family
	for rows.Next() {
		var f domain.Family
		if err := rows.Scan(&f.ID, &f.Name, &f.CreatedAt); err != nil {
			return domain.Family{}, err
		}
		families = append(families, f)
	}
	if len(families) == 0 {
		return domain.Family{}, ErrNotFound
	}
	if len(families) > 1 {
		return domain.Family{}, fmt.Errorf("multiple families exist; specify --family")
	}
	return families[0], nil
}

func (r Repo) ListFamilies(ctx context.Context) ([]domain.Family, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM families ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Family
	for rows.Next() {
		var f domain.Family
		if err := rows.Scan(&f.ID, &f.Name, &f.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// --- family config ---

func (r Repo) UpsertFamilyConfig(ctx context.Context, familyID string, cfg *config.Config) error {
	return upsertFamilyConfig(ctx, r.DB, nil, familyID, cfg)
}

func (r Repo) UpsertFamilyConfigTx(ctx context.Context, tx *sql.Tx, familyID string, cfg *config.Config) error {
	return upsertFamilyConfig(ctx, nil, tx, familyID, cfg)
}

func upsertFamilyConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, familyID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Family.ID = familyID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO family_configs(family_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(family_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, familyID, string(payload), now, now)
	return err
}

func (r Repo) GetFamilyConfig(ctx context.Context, familyID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM family_configs WHERE family_id=?`, familyID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Family.ID == "" {
		cfg.Family.ID = familyID
	}
	return &cfg, cfg.Validate()
}

// --- agents ---

func (r Repo) InsertAgentTx(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agents(id,family_id,name,role,points,rank,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.FamilyID, a.Name, string(a.Role), a.Points, a.Rank, a.CreatedAt)
	return err
}

func scanAgent(row *sql.Row) (domain.Agent, error) {
	var a domain.Agent
	err := row.Scan(&a.ID, &a.FamilyID, &a.Name, &a.Role, &a.Points, &a.Rank, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

const agentCols = `id,family_id,name,role,points,rank,created_at`

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	return scanAgent(r.DB.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE id=?`, id))
}

func (r Repo) GetAgentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Agent, error) {
	return scanAgent(tx.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE id=?`, id))
}

func (r Repo) ListAgents(ctx context.Context, familyID string) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+agentCols+` FROM agents WHERE family_id=? ORDER BY created_at ASC`, familyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		var a domain.Agent
		if err := rows.Scan(&a.ID, &a.FamilyID, &a.Name, &a.Role, &a.Points, &a.Rank, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CreditPointsTx increments an agent's balance and returns the new total.
// Rank must be refreshed by the caller in the same transaction.
func (r Repo) CreditPointsTx(ctx context.Context, tx *sql.Tx, agentID string, delta int) (int, error) {
	res, err := tx.ExecContext(ctx, `UPDATE agents SET points = points + ? WHERE id=?`, delta, agentID)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	var points int
	if err := tx.QueryRowContext(ctx, `SELECT points FROM agents WHERE id=?`, agentID).Scan(&points); err != nil {
		return 0, err
	}
	return points, nil
}

// TrySpendPointsTx decrements an agent's balance only if it stays
// non-negative. Returns ok=false when the guard fails; the caller decides
// whether that means insufficient points or a missing agent.
func (r Repo) TrySpendPointsTx(ctx context.Context, tx *sql.Tx, agentID string, delta int) (int, bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE agents SET points = points - ?1 WHERE id=?2 AND points >= ?1`, delta, agentID)
	if err != nil {
		return 0, false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, false, nil
	}
	var points int
	if err := tx.QueryRowContext(ctx, `SELECT points FROM agents WHERE id=?`, agentID).Scan(&points); err != nil {
		return 0, false, err
	}
	return points, true, nil
}

func (r Repo) SetAgentRankTx(ctx context.Context, tx *sql.Tx, agentID, rankName string) error {
	_, err := tx.ExecContext(ctx, `UPDATE agents SET rank=? WHERE id=?`, rankName, agentID)
	return err
}

// --- missions ---

const missionCols = `id,family_id,title,description,category,difficulty,status,created_by,assigned_to,due_date,recurring,recurrence_pattern,rank_points,field_bonus,version,created_at,completed_at,verified_at`

func (r Repo) InsertMissionTx(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO missions(`+missionCols+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.FamilyID, m.Title, nullable(m.Description), m.Category, string(m.Difficulty), string(m.Status),
		m.CreatedBy, nullableStringPtr(m.AssignedTo), nullableStringPtr(m.DueDate), boolToInt(m.Recurring),
		nullable(string(m.Pattern)), m.RankPoints, nullableIntPtr(m.FieldBonus), m.Version,
		m.CreatedAt, nullableStringPtr(m.CompletedAt), nullableStringPtr(m.VerifiedAt))
	return err
}

// UpdateMissionTx writes a mission guarded by its version counter. Returns
// ok=false when another writer got there first.
func (r Repo) UpdateMissionTx(ctx context.Context, tx *sql.Tx, m domain.Mission) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE missions SET title=?, description=?, category=?, difficulty=?, status=?, assigned_to=?, due_date=?, recurring=?, recurrence_pattern=?, rank_points=?, field_bonus=?, version=version+1, completed_at=?, verified_at=?
WHERE id=? AND version=?`,
		m.Title, nullable(m.Description), m.Category, string(m.Difficulty), string(m.Status),
		nullableStringPtr(m.AssignedTo), nullableStringPtr(m.DueDate), boolToInt(m.Recurring),
		nullable(string(m.Pattern)), m.RankPoints, nullableIntPtr(m.FieldBonus),
		nullableStringPtr(m.CompletedAt), nullableStringPtr(m.VerifiedAt),
		m.ID, m.Version)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func scanMission(scan func(dest ...any) error) (domain.Mission, error) {
	var m domain.Mission
	var description, assignedTo, dueDate, pattern, completedAt, verifiedAt sql.NullString
	var fieldBonus sql.NullInt64
	var recurring int
	err := scan(&m.ID, &m.FamilyID, &m.Title, &description, &m.Category, &m.Difficulty, &m.Status,
		&m.CreatedBy, &assignedTo, &dueDate, &recurring, &pattern, &m.RankPoints, &fieldBonus,
		&m.Version, &m.CreatedAt, &completedAt, &verifiedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if description.Valid {
		m.Description = description.String
	}
	if assignedTo.Valid {
		m.AssignedTo = &assignedTo.String
	}
	if dueDate.Valid {
		m.DueDate = &dueDate.String
	}
	m.Recurring = recurring != 0
	if pattern.Valid {
		m.Pattern = domain.RecurrencePattern(pattern.String)
	}
	if fieldBonus.Valid {
		b := int(fieldBonus.Int64)
		m.FieldBonus = &b
	}
	if completedAt.Valid {
		m.CompletedAt = &completedAt.String
	}
	if verifiedAt.Valid {
		m.VerifiedAt = &verifiedAt.String
	}
	return m, nil
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+missionCols+` FROM missions WHERE id=?`, id)
	return scanMission(row.Scan)
}

func (r Repo) GetMissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Mission, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+missionCols+` FROM missions WHERE id=?`, id)
	return scanMission(row.Scan)
}

type MissionFilters struct {
	FamilyID   string
	Status     string
	AssignedTo string
	// IncludeClosed retains closed missions in listings; the default view
	// is the active set.
	IncludeClosed bool
	Limit         int
}

func (r Repo) ListMissions(ctx context.Context, f MissionFilters) ([]domain.Mission, error) {
	var clauses []string
	var args []any
	if f.FamilyID != "" {
		clauses = append(clauses, "family_id=?")
		args = append(args, f.FamilyID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	} else if !f.IncludeClosed {
		clauses = append(clauses, "status != 'closed'")
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "(assigned_to=? OR assigned_to IS NULL)")
		args = append(args, f.AssignedTo)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + missionCols + ` FROM missions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// VerifiedCompletionTimes returns completion timestamps of an agent's
// verified missions, the input of the streak calculator.
func (r Repo) VerifiedCompletionTimes(ctx context.Context, agentID string) ([]time.Time, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT COALESCE(completed_at, verified_at) FROM missions
WHERE assigned_to=? AND status='verified' AND (completed_at IS NOT NULL OR verified_at IS NOT NULL)`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []time.Time
	for rows.Next() {
		var ts string
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			continue
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, familyID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if familyID != "" {
		clauses = append(clauses, "family_id=?")
		args = append(args, familyID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,family_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, familyID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if familyID != "" {
		clauses = append(clauses, "family_id=?")
		args = append(args, familyID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,family_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var familyID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &familyID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if familyID.Valid {
			e.FamilyID = familyID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID for a family.
func (r Repo) LatestEventID(ctx context.Context, familyID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE family_id=?`, familyID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// --- helpers ---

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

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
