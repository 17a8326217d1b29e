package domain

// Conversation statuses.
const (
	StatusActive  = "active"
	StatusHandoff = "handoff"
	StatusClosed  = "closed"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Tool invocation statuses.
const (
	ToolSuccess     = "success"
	ToolTimeout     = "timeout"
	ToolError       = "error"
	ToolCircuitOpen = "circuit_open"
)

// Tool names.
const (
	ToolCheckAvailability = "check_availability"
	ToolBookAppointment   = "book_appointment"
	ToolCreateTicket      = "create_ticket"
	ToolHandoffToHuman    = "handoff_to_human"
)

// Well-known slot keys.
const (
	SlotDate           = "date"
	SlotTime           = "time"
	SlotEmail          = "email"
	SlotIntent         = "intent"
	SlotAvailableSlots = "available_slots"
	SlotConfirmationID = "confirmation_id"
	SlotTicketID       = "ticket_id"
)

// Slots accumulates named values across turns. Values are scalars except
// tool-derived lists such as available_slots.
type Slots map[string]any

// Clone returns a shallow copy; a nil receiver yields an empty map.
func (s Slots) Clone() Slots {
	out := make(Slots, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// String returns the value under key if it is a non-empty string.
func (s Slots) String(key string) string {
	v, _ := s[key].(string)
	return v
}

type Conversation struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id,omitempty"`
	Status    string `json:"status" enum:"active,handoff,closed"`
	Slots     Slots  `json:"slots"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Message struct {
	ID             int64  `json:"id"`
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role" enum:"user,assistant,tool"`
	Content        string `json:"content"`
	OrderIndex     int    `json:"order_index"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type ToolInvocationRecord struct {
	ID             int64          `json:"id"`
	ConversationID string         `json:"conversation_id"`
	MessageID      *int64         `json:"message_id,omitempty"`
	ToolName       string         `json:"tool_name"`
	Input          map[string]any `json:"input"`
	Output         map[string]any `json:"output"`
	DurationMS     int64          `json:"duration_ms"`
	Status         string         `json:"status" enum:"success,timeout,error,circuit_open"`
	ErrorDetail    string         `json:"error_detail,omitempty"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
}

type Event struct {
	ID             int64  `json:"id"`
	TS             string `json:"ts" format:"date-time"`
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	ActorID        string `json:"actor_id"`
	Payload        string `json:"payload_json"`
}
