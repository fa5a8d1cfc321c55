package domain

import "time"

// MissionStatus is the closed set of stored mission states. Overdue is not a
// stored state; see Mission.IsOverdue.
type MissionStatus string

const (
	MissionPending              MissionStatus = "pending"
	MissionInProgress           MissionStatus = "in_progress"
	MissionAwaitingVerification MissionStatus = "awaiting_verification"
	MissionVerified             MissionStatus = "verified"
	MissionClosed               MissionStatus = "closed"
)

// Terminal reports whether no further transitions are allowed.
func (s MissionStatus) Terminal() bool {
	return s == MissionVerified || s == MissionClosed
}

func (s MissionStatus) Valid() bool {
	switch s {
	case MissionPending, MissionInProgress, MissionAwaitingVerification, MissionVerified, MissionClosed:
		return true
	}
	return false
}

type Role string

const (
	RoleCommander  Role = "commander"
	RoleLieutenant Role = "lieutenant"
	RoleAgent      Role = "agent"
)

func (r Role) Valid() bool {
	return r == RoleCommander || r == RoleLieutenant || r == RoleAgent
}

// CanApprove reports whether the role may verify missions and decide
// redemption requests.
func (r Role) CanApprove() bool {
	return r == RoleCommander || r == RoleLieutenant
}

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

func (d Difficulty) Valid() bool {
	return d == DifficultyEasy || d == DifficultyMedium || d == DifficultyHard
}

// RecurrencePattern values understood by the scheduler.
type RecurrencePattern string

const (
	RecurDaily           RecurrencePattern = "daily"
	RecurWeeklyMonday    RecurrencePattern = "weekly_monday"
	RecurWeeklyTuesday   RecurrencePattern = "weekly_tuesday"
	RecurWeeklyWednesday RecurrencePattern = "weekly_wednesday"
	RecurWeeklyThursday  RecurrencePattern = "weekly_thursday"
	RecurWeeklyFriday    RecurrencePattern = "weekly_friday"
	RecurWeeklySaturday  RecurrencePattern = "weekly_saturday"
	RecurWeeklySunday    RecurrencePattern = "weekly_sunday"
	RecurWeeklyWeekday   RecurrencePattern = "weekly_weekday"
	RecurWeeklyWeekend   RecurrencePattern = "weekly_weekend"
)

func (p RecurrencePattern) Valid() bool {
	switch p {
	case RecurDaily, RecurWeeklyMonday, RecurWeeklyTuesday, RecurWeeklyWednesday,
		RecurWeeklyThursday, RecurWeeklyFriday, RecurWeeklySaturday, RecurWeeklySunday,
		RecurWeeklyWeekday, RecurWeeklyWeekend:
		return true
	}
	return false
}

type VaultCardStatus string

const (
	VaultAvailable VaultCardStatus = "available"
	VaultRedeemed  VaultCardStatus = "redeemed"
	VaultExpired   VaultCardStatus = "expired"
)

type RequestState string

const (
	RequestPending  RequestState = "pending"
	RequestApproved RequestState = "approved"
	RequestDenied   RequestState = "denied"
)

type Family struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Agent struct {
	ID        string `json:"id"`
	FamilyID  string `json:"family_id"`
	Name      string `json:"name"`
	Role      Role   `json:"role" enum:"commander,lieutenant,agent"`
	Points    int    `json:"points"`
	Rank      string `json:"rank"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Mission struct {
	ID          string            `json:"id"`
	FamilyID    string            `json:"family_id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Category    string            `json:"category"`
	Difficulty  Difficulty        `json:"difficulty" enum:"easy,medium,hard"`
	Status      MissionStatus     `json:"status" enum:"pending,in_progress,awaiting_verification,verified,closed"`
	CreatedBy   string            `json:"created_by"`
	AssignedTo  *string           `json:"assigned_to,omitempty"`
	DueDate     *string           `json:"due_date,omitempty" format:"date-time"`
	Recurring   bool              `json:"recurring"`
	Pattern     RecurrencePattern `json:"recurrence_pattern,omitempty"`
	RankPoints  int               `json:"rank_points"`
	FieldBonus  *int              `json:"field_bonus,omitempty"`
	Version     int               `json:"version"`
	CreatedAt   string            `json:"created_at" format:"date-time"`
	CompletedAt *string           `json:"completed_at,omitempty" format:"date-time"`
	VerifiedAt  *string           `json:"verified_at,omitempty" format:"date-time"`
}

// IsOverdue is a read-time predicate, never persisted, so it cannot drift
// from status and due date.
func (m Mission) IsOverdue(now time.Time) bool {
	if m.DueDate == nil {
		return false
	}
	if m.Status != MissionPending && m.Status != MissionInProgress {
		return false
	}
	due, err := time.Parse(time.RFC3339, *m.DueDate)
	if err != nil {
		return false
	}
	return due.Before(now)
}

type VaultCard struct {
	ID           string `json:"id"`
	FamilyID     string `json:"family_id"`
	BrandName    string `json:"brand_name"`
	Denomination int    `json:"denomination"`
	// GiftCode is disclosed only on the transaction that redeems the card.
	GiftCode   string          `json:"gift_code,omitempty"`
	PointsCost int             `json:"points_cost"`
	AddedBy    string          `json:"added_by"`
	Status     VaultCardStatus `json:"status" enum:"available,redeemed,expired"`
	RedeemedBy *string         `json:"redeemed_by,omitempty"`
	RedeemedAt *string         `json:"redeemed_at,omitempty" format:"date-time"`
	CreatedAt  string          `json:"created_at" format:"date-time"`
}

type FamilyReward struct {
	ID          string `json:"id"`
	FamilyID    string `json:"family_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	PointsCost  int    `json:"points_cost"`
	CreatedBy   string `json:"created_by"`
	Active      bool   `json:"active"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type RedemptionRequest struct {
	ID        string       `json:"id"`
	FamilyID  string       `json:"family_id"`
	RewardID  string       `json:"reward_id"`
	AgentID   string       `json:"agent_id"`
	State     RequestState `json:"state" enum:"pending,approved,denied"`
	DecidedBy *string      `json:"decided_by,omitempty"`
	DecidedAt *string      `json:"decided_at,omitempty" format:"date-time"`
	CreatedAt string       `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	FamilyID   string `json:"family_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
