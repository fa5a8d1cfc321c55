package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"homefront/internal/config"
	"homefront/internal/domain"
	"homefront/internal/engine/rank"
	"homefront/internal/engine/recur"
	"homefront/internal/engine/streak"
	"homefront/internal/events"
	"homefront/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ladder() rank.Ladder {
	if e.Config != nil && len(e.Config.Ranks) > 0 {
		return e.Config.Ladder()
	}
	return rank.Default()
}

// InitFamily creates a family together with its first commander and the
// default family config, with migrations already run.
func (e Engine) InitFamily(ctx context.Context, familyName, commanderName string) (domain.Family, domain.Agent, error) {
	if familyName == "" {
		return domain.Family{}, domain.Agent{}, ValidationError{Field: "family_name", Reason: "required"}
	}
	if commanderName == "" {
		return domain.Family{}, domain.Agent{}, ValidationError{Field: "commander_name", Reason: "required"}
	}
	now := e.now().UTC().Format(time.RFC3339)
	f := domain.Family{
		ID:        uuid.New().String(),
		Name:      familyName,
		CreatedAt: now,
	}
	commander := domain.Agent{
		ID:        uuid.New().String(),
		FamilyID:  f.ID,
		Name:      commanderName,
		Role:      domain.RoleCommander,
		Points:    0,
		Rank:      e.ladder().For(0).Name,
		CreatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Family{}, domain.Agent{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertFamilyTx(ctx, tx, f); err != nil {
		return domain.Family{}, domain.Agent{}, fmt.Errorf("insert family: %w", err)
	}
	if err := e.Repo.InsertAgentTx(ctx, tx, commander); err != nil {
		return domain.Family{}, domain.Agent{}, fmt.Errorf("insert commander: %w", err)
	}
	if err := e.Repo.UpsertFamilyConfigTx(ctx, tx, f.ID, config.Default(f.ID)); err != nil {
		return domain.Family{}, domain.Agent{}, fmt.Errorf("insert family config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "family.init", f.ID, "family", f.ID, commander.ID, events.EventPayload{"name": f.Name}); err != nil {
		return domain.Family{}, domain.Agent{}, err
	}
	if err := e.Events.Append(ctx, tx, "agent.enlisted", f.ID, "agent", commander.ID, commander.ID, events.EventPayload{"name": commander.Name, "role": string(commander.Role)}); err != nil {
		return domain.Family{}, domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Family{}, domain.Agent{}, err
	}
	return f, commander, nil
}

// EnlistAgent adds a household member to a family. Only a commander may
// enlist.
func (e Engine) EnlistAgent(ctx context.Context, familyID, name string, role domain.Role, actorID string) (domain.Agent, error) {
	if name == "" {
		return domain.Agent{}, ValidationError{Field: "name", Reason: "required"}
	}
	if !role.Valid() {
		return domain.Agent{}, ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", role)}
	}
	actor, err := e.Repo.GetAgent(ctx, actorID)
	if err != nil {
		return domain.Agent{}, err
	}
	if actor.FamilyID != familyID || actor.Role != domain.RoleCommander {
		return domain.Agent{}, UnauthorizedError{AgentID: actorID, Action: "enlist agents"}
	}
	a := domain.Agent{
		ID:        uuid.New().String(),
		FamilyID:  familyID,
		Name:      name,
		Role:      role,
		Points:    0,
		Rank:      e.ladder().For(0).Name,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAgentTx(ctx, tx, a); err != nil {
		return domain.Agent{}, err
	}
	if err := e.Events.Append(ctx, tx, "agent.enlisted", familyID, "agent", a.ID, actorID, events.EventPayload{"name": a.Name, "role": string(a.Role)}); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

// MissionCreateOptions are parameters for creating a mission.
type MissionCreateOptions struct {
	ID          string
	FamilyID    string
	Title       string
	Description string
	Category    string
	Difficulty  domain.Difficulty
	AssignedTo  string
	DueDate     string
	Recurring   bool
	Pattern     domain.RecurrencePattern
	FieldBonus  *int
	ActorID     string
}

func (e Engine) CreateMission(ctx context.Context, opts MissionCreateOptions) (domain.Mission, error) {
	if e.Config == nil {
		return domain.Mission{}, errors.New("config not loaded")
	}
	if opts.Title == "" {
		return domain.Mission{}, ValidationError{Field: "title", Reason: "required"}
	}
	if opts.FamilyID == "" {
		return domain.Mission{}, ValidationError{Field: "family_id", Reason: "required"}
	}
	if opts.Category == "" {
		opts.Category = "other"
	}
	if _, ok := e.Config.Categories[opts.Category]; !ok {
		return domain.Mission{}, ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", opts.Category)}
	}
	points, ok := e.Config.DifficultyPoints(string(opts.Difficulty))
	if !ok {
		return domain.Mission{}, ValidationError{Field: "difficulty", Reason: fmt.Sprintf("unknown difficulty %q", opts.Difficulty)}
	}
	if opts.DueDate != "" {
		if _, err := time.Parse(time.RFC3339, opts.DueDate); err != nil {
			return domain.Mission{}, ValidationError{Field: "due_date", Reason: "must be RFC 3339"}
		}
	}
	if opts.Recurring {
		if !opts.Pattern.Valid() {
			return domain.Mission{}, ValidationError{Field: "recurrence_pattern", Reason: "required for recurring missions"}
		}
		if opts.DueDate == "" {
			return domain.Mission{}, ValidationError{Field: "due_date", Reason: "required for recurring missions, it anchors the cadence"}
		}
	}
	actor, err := e.Repo.GetAgent(ctx, opts.ActorID)
	if err != nil {
		return domain.Mission{}, err
	}
	if actor.FamilyID != opts.FamilyID || !actor.Role.CanApprove() {
		return domain.Mission{}, UnauthorizedError{AgentID: opts.ActorID, Action: "create missions"}
	}
	if opts.AssignedTo != "" {
		assignee, err := e.Repo.GetAgent(ctx, opts.AssignedTo)
		if err != nil {
			return domain.Mission{}, err
		}
		if assignee.FamilyID != opts.FamilyID {
			return domain.Mission{}, ValidationError{Field: "assigned_to", Reason: "agent in different family"}
		}
	}
	id := opts.ID
	now := e.now().UTC().Format(time.RFC3339)
	if id == "" {
		id = uuid.New().String()
	}
	m := domain.Mission{
		ID:          id,
		FamilyID:    opts.FamilyID,
		Title:       opts.Title,
		Description: opts.Description,
		Category:    opts.Category,
		Difficulty:  opts.Difficulty,
		Status:      domain.MissionPending,
		CreatedBy:   opts.ActorID,
		AssignedTo:  optionalString(opts.AssignedTo),
		DueDate:     optionalString(opts.DueDate),
		Recurring:   opts.Recurring,
		Pattern:     opts.Pattern,
		RankPoints:  points,
		FieldBonus:  opts.FieldBonus,
		Version:     0,
		CreatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMissionTx(ctx, tx, m); err != nil {
		return domain.Mission{}, err
	}
	if err := e.Events.Append(ctx, tx, "mission.created", m.FamilyID, "mission", m.ID, opts.ActorID, events.EventPayload{"title": m.Title, "difficulty": string(m.Difficulty), "rank_points": m.RankPoints}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}

func ensureMissionTransition(oldStatus, newStatus domain.MissionStatus) error {
	switch oldStatus {
	case domain.MissionPending:
		if newStatus == domain.MissionInProgress || newStatus == domain.MissionClosed {
			return nil
		}
	case domain.MissionInProgress:
		if newStatus == domain.MissionAwaitingVerification || newStatus == domain.MissionClosed {
			return nil
		}
	case domain.MissionAwaitingVerification:
		if newStatus == domain.MissionVerified || newStatus == domain.MissionInProgress || newStatus == domain.MissionClosed {
			return nil
		}
	}
	return InvalidTransitionError{Entity: "mission", From: string(oldStatus), To: string(newStatus)}
}

// updateMissionGuarded writes a mission under its version guard and
// classifies a guard failure: the row changed under us, either into a
// state the transition no longer allows, or concurrently enough that the
// caller should re-read and retry.
func (e Engine) updateMissionGuarded(ctx context.Context, tx *sql.Tx, m domain.Mission, expect domain.MissionStatus) error {
	ok, err := e.Repo.UpdateMissionTx(ctx, tx, m)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	cur, err := e.Repo.GetMissionTx(ctx, tx, m.ID)
	if err != nil {
		return err
	}
	if cur.Status != expect {
		return InvalidTransitionError{Entity: "mission", From: string(cur.Status), To: string(m.Status)}
	}
	return ErrConcurrentModification
}

// AcceptMission claims a pending mission. If the mission is assigned, only
// the assignee may accept; otherwise first claim wins.
func (e Engine) AcceptMission(ctx context.Context, missionID, agentID string) (domain.Mission, error) {
	agent, err := e.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return domain.Mission{}, err
	}
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	if agent.FamilyID != m.FamilyID {
		return m, UnauthorizedError{AgentID: agentID, Action: "accept missions in this family"}
	}
	if err := ensureMissionTransition(m.Status, domain.MissionInProgress); err != nil {
		return m, err
	}
	if m.AssignedTo != nil && *m.AssignedTo != agentID {
		return m, UnauthorizedError{AgentID: agentID, Action: fmt.Sprintf("accept mission assigned to %s", *m.AssignedTo)}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()

	m.Status = domain.MissionInProgress
	m.AssignedTo = &agentID
	if err := e.updateMissionGuarded(ctx, tx, m, domain.MissionPending); err != nil {
		return m, err
	}
	if err := e.Events.Append(ctx, tx, "mission.accepted", m.FamilyID, "mission", m.ID, agentID, events.EventPayload{"agent": agentID}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	m.Version++
	return m, nil
}

// SubmitForVerification marks an in-progress mission as done from the
// assignee's point of view; a commander or lieutenant still has to verify.
func (e Engine) SubmitForVerification(ctx context.Context, missionID, agentID string) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	if err := ensureMissionTransition(m.Status, domain.MissionAwaitingVerification); err != nil {
		return m, err
	}
	if m.AssignedTo == nil || *m.AssignedTo != agentID {
		return m, UnauthorizedError{AgentID: agentID, Action: "submit a mission they do not hold"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	m.Status = domain.MissionAwaitingVerification
	m.CompletedAt = &now
	if err := e.updateMissionGuarded(ctx, tx, m, domain.MissionInProgress); err != nil {
		return m, err
	}
	if err := e.Events.Append(ctx, tx, "mission.submitted", m.FamilyID, "mission", m.ID, agentID, events.EventPayload{}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	m.Version++
	return m, nil
}

// VerifyMission approves a submitted mission. In one transaction it marks
// the mission verified, credits rank points to the assignee, refreshes the
// assignee's rank, and for recurring missions creates exactly one pending
// successor anchored to the prior due date. Returns the verified mission
// and the successor if one was created.
func (e Engine) VerifyMission(ctx context.Context, missionID, approverID string) (domain.Mission, *domain.Mission, error) {
	approver, err := e.Repo.GetAgent(ctx, approverID)
	if err != nil {
		return domain.Mission{}, nil, err
	}
	if !approver.Role.CanApprove() {
		return domain.Mission{}, nil, UnauthorizedError{AgentID: approverID, Action: "verify missions"}
	}
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return domain.Mission{}, nil, err
	}
	if approver.FamilyID != m.FamilyID {
		return m, nil, UnauthorizedError{AgentID: approverID, Action: "verify missions in this family"}
	}
	if err := ensureMissionTransition(m.Status, domain.MissionVerified); err != nil {
		return m, nil, err
	}
	if m.AssignedTo == nil {
		return m, nil, ValidationError{Field: "assigned_to", Reason: "mission has no assignee"}
	}
	assigneeID := *m.AssignedTo

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, nil, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	m.Status = domain.MissionVerified
	m.VerifiedAt = &now
	if err := e.updateMissionGuarded(ctx, tx, m, domain.MissionAwaitingVerification); err != nil {
		return m, nil, err
	}
	newPoints, err := e.Repo.CreditPointsTx(ctx, tx, assigneeID, m.RankPoints)
	if err != nil {
		return m, nil, err
	}
	newRank := e.ladder().For(newPoints).Name
	if err := e.Repo.SetAgentRankTx(ctx, tx, assigneeID, newRank); err != nil {
		return m, nil, err
	}
	var successor *domain.Mission
	if m.Recurring {
		s, err := e.successorMission(m, now)
		if err != nil {
			return m, nil, err
		}
		if err := e.Repo.InsertMissionTx(ctx, tx, s); err != nil {
			return m, nil, err
		}
		successor = &s
	}
	payload := events.EventPayload{"agent": assigneeID, "rank_points": m.RankPoints, "new_rank": newRank}
	if m.FieldBonus != nil {
		payload["field_bonus"] = *m.FieldBonus
	}
	if err := e.Events.Append(ctx, tx, "mission.verified", m.FamilyID, "mission", m.ID, approverID, payload); err != nil {
		return m, nil, err
	}
	if err := e.Events.Append(ctx, tx, "points.credited", m.FamilyID, "agent", assigneeID, approverID, events.EventPayload{"delta": m.RankPoints, "balance": newPoints}); err != nil {
		return m, nil, err
	}
	if successor != nil {
		if err := e.Events.Append(ctx, tx, "mission.recurred", m.FamilyID, "mission", successor.ID, approverID, events.EventPayload{"predecessor": m.ID, "due_date": *successor.DueDate}); err != nil {
			return m, nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return m, nil, err
	}
	m.Version++
	return m, successor, nil
}

// successorMission builds the next instance of a recurring mission. The
// next due date is computed from the prior due date, never from "now", so
// a late verification does not skew the cadence.
func (e Engine) successorMission(m domain.Mission, createdAt string) (domain.Mission, error) {
	if m.DueDate == nil {
		return domain.Mission{}, ValidationError{Field: "due_date", Reason: "recurring mission has no anchor due date"}
	}
	prior, err := time.Parse(time.RFC3339, *m.DueDate)
	if err != nil {
		return domain.Mission{}, ValidationError{Field: "due_date", Reason: "must be RFC 3339"}
	}
	next, err := recur.NextDueDate(m.Pattern, prior)
	if err != nil {
		return domain.Mission{}, err
	}
	nextDue := next.UTC().Format(time.RFC3339)
	return domain.Mission{
		ID:          uuid.New().String(),
		FamilyID:    m.FamilyID,
		Title:       m.Title,
		Description: m.Description,
		Category:    m.Category,
		Difficulty:  m.Difficulty,
		Status:      domain.MissionPending,
		CreatedBy:   m.CreatedBy,
		AssignedTo:  m.AssignedTo,
		DueDate:     &nextDue,
		Recurring:   true,
		Pattern:     m.Pattern,
		RankPoints:  m.RankPoints,
		FieldBonus:  m.FieldBonus,
		Version:     0,
		CreatedAt:   createdAt,
	}, nil
}

// RejectMission sends a submitted mission back to the assignee. No ledger
// effect.
func (e Engine) RejectMission(ctx context.Context, missionID, approverID string) (domain.Mission, error) {
	approver, err := e.Repo.GetAgent(ctx, approverID)
	if err != nil {
		return domain.Mission{}, err
	}
	if !approver.Role.CanApprove() {
		return domain.Mission{}, UnauthorizedError{AgentID: approverID, Action: "reject missions"}
	}
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	if approver.FamilyID != m.FamilyID {
		return m, UnauthorizedError{AgentID: approverID, Action: "reject missions in this family"}
	}
	if m.Status != domain.MissionAwaitingVerification {
		return m, InvalidTransitionError{Entity: "mission", From: string(m.Status), To: string(domain.MissionInProgress)}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()

	m.Status = domain.MissionInProgress
	m.CompletedAt = nil
	if err := e.updateMissionGuarded(ctx, tx, m, domain.MissionAwaitingVerification); err != nil {
		return m, err
	}
	if err := e.Events.Append(ctx, tx, "mission.rejected", m.FamilyID, "mission", m.ID, approverID, events.EventPayload{}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	m.Version++
	return m, nil
}

// CloseMission force-closes a non-terminal mission. Closed is terminal and
// carries no ledger effect.
func (e Engine) CloseMission(ctx context.Context, missionID, approverID string) (domain.Mission, error) {
	approver, err := e.Repo.GetAgent(ctx, approverID)
	if err != nil {
		return domain.Mission{}, err
	}
	if !approver.Role.CanApprove() {
		return domain.Mission{}, UnauthorizedError{AgentID: approverID, Action: "close missions"}
	}
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	if approver.FamilyID != m.FamilyID {
		return m, UnauthorizedError{AgentID: approverID, Action: "close missions in this family"}
	}
	if err := ensureMissionTransition(m.Status, domain.MissionClosed); err != nil {
		return m, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()

	expect := m.Status
	m.Status = domain.MissionClosed
	if err := e.updateMissionGuarded(ctx, tx, m, expect); err != nil {
		return m, err
	}
	if err := e.Events.Append(ctx, tx, "mission.closed", m.FamilyID, "mission", m.ID, approverID, events.EventPayload{"from": string(expect)}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	m.Version++
	return m, nil
}

// CurrentRank returns the agent's tier derived from their points balance.
func (e Engine) CurrentRank(ctx context.Context, agentID string) (rank.Tier, error) {
	a, err := e.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return rank.Tier{}, err
	}
	return e.ladder().For(a.Points), nil
}

// ProgressToNextRank returns the percentage toward the next tier, clamped
// to 100 at the top.
func (e Engine) ProgressToNextRank(ctx context.Context, agentID string) (int, error) {
	a, err := e.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return e.ladder().Progress(a.Points), nil
}

// CalculateStreak counts consecutive calendar days, ending today or
// yesterday, on which the agent had at least one verified mission.
func (e Engine) CalculateStreak(ctx context.Context, agentID string) (int, error) {
	if _, err := e.Repo.GetAgent(ctx, agentID); err != nil {
		return 0, err
	}
	completions, err := e.Repo.VerifiedCompletionTimes(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return streak.Count(completions, e.now()), nil
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
