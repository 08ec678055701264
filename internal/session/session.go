package session

import "time"

// Roles for transcript turns.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Turn is one entry in a session's ordered transcript.
type Turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Config is the per-session capability configuration fixed at spawn time.
type Config struct {
	// DelegateTools forces tool-needing turns to be performed by child
	// sessions. When false the executor may invoke tools directly through
	// the external tool service.
	DelegateTools bool
	// ToolServers lists the tool-service server ids this session may use.
	// Empty means no tool capability.
	ToolServers []string
	// Persona is prepended to the system prompt for this session's turns.
	Persona string
}

// ToolCapable reports whether any tool capability is exposed to the session.
func (c Config) ToolCapable() bool { return len(c.ToolServers) > 0 }

// session is the registry-owned mutable record. External callers only ever
// see View copies.
type session struct {
	id              int
	origin          Origin
	recipe          string // origin == OriginAutopilot
	prompt          string
	state           State
	transcript      []Turn
	pendingQuestion string
	groupKey        string
	parentID        int
	children        []int
	result          string
	failure         string
	config          Config
	createdAt       time.Time
	updatedAt       time.Time
}

// View is an immutable snapshot of one session.
type View struct {
	ID              int       `json:"id"`
	Slot            int       `json:"slot,omitempty"` // 1-9, 0 when in overflow
	Origin          Origin    `json:"origin"`
	Recipe          string    `json:"recipe,omitempty"`
	Prompt          string    `json:"prompt"`
	State           State     `json:"state"`
	Transcript      []Turn    `json:"transcript,omitempty"`
	PendingQuestion string    `json:"pending_question,omitempty"`
	GroupKey        string    `json:"group_key,omitempty"`
	ParentID        int       `json:"parent_id,omitempty"`
	Children        []int     `json:"children,omitempty"`
	Result          string    `json:"result,omitempty"`
	FailureDetail   string    `json:"failure_detail,omitempty"`
	Config          Config    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (s *session) view(slot int) View {
	transcript := make([]Turn, len(s.transcript))
	copy(transcript, s.transcript)
	children := make([]int, len(s.children))
	copy(children, s.children)

	cfg := s.config
	cfg.ToolServers = append([]string(nil), s.config.ToolServers...)

	return View{
		ID:              s.id,
		Slot:            slot,
		Origin:          s.origin,
		Recipe:          s.recipe,
		Prompt:          s.prompt,
		State:           s.state,
		Transcript:      transcript,
		PendingQuestion: s.pendingQuestion,
		GroupKey:        s.groupKey,
		ParentID:        s.parentID,
		Children:        children,
		Result:          s.result,
		FailureDetail:   s.failure,
		Config:          cfg,
		CreatedAt:       s.createdAt,
		UpdatedAt:       s.updatedAt,
	}
}
