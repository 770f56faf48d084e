package domain

// Trade statuses. Pending is initial; Rejected and Completed are terminal.
const (
	TradePending   = "pending"
	TradeAccepted  = "accepted"
	TradeRejected  = "rejected"
	TradeCompleted = "completed"
)

// Item availability statuses.
const (
	ItemAvailable = "available"
	ItemPending   = "pending"
	ItemTraded    = "traded"
)

// TradeItem roles.
const (
	RoleOffered   = "offered"
	RoleRequested = "requested"
)

// TerminalStatus reports whether a trade status admits no further transitions.
func TerminalStatus(status string) bool {
	return status == TradeRejected || status == TradeCompleted
}

type User struct {
	ID              int64   `json:"id"`
	Name            string  `json:"name"`
	Email           string  `json:"email"`
	PasswordHash    string  `json:"-"`
	ProfilePicture  string  `json:"profile_picture,omitempty"`
	Bio             string  `json:"bio,omitempty"`
	ReputationScore float64 `json:"reputation_score"`
	JoinDate        string  `json:"join_date" format:"date-time"`
}

type Item struct {
	ID          int64    `json:"id"`
	UserID      int64    `json:"user_id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Condition   string   `json:"condition,omitempty"`
	Images      []string `json:"images,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Status      string   `json:"status" enum:"available,pending,traded"`
	DateListed  string   `json:"date_listed" format:"date-time"`
}

// TradeItem binds one item to a trade on exactly one side. Role is the tag
// of the variant: offered items belong to the initiator, requested items to
// the recipient.
type TradeItem struct {
	ID      int64  `json:"id"`
	TradeID int64  `json:"trade_id"`
	Role    string `json:"role" enum:"offered,requested"`
	ItemID  int64  `json:"item_id"`
}

type Trade struct {
	ID             int64       `json:"id"`
	InitiatorID    int64       `json:"initiator_id"`
	RecipientID    int64       `json:"recipient_id"`
	Status         string      `json:"status" enum:"pending,accepted,rejected,completed"`
	Version        int64       `json:"version"`
	CreationDate   string      `json:"creation_date" format:"date-time"`
	CompletionDate *string     `json:"completion_date,omitempty" format:"date-time"`
	Items          []TradeItem `json:"items"`
	Messages       []Message   `json:"messages"`
}

// OfferedItemIDs returns the item ids the initiator puts up.
func (t Trade) OfferedItemIDs() []int64 {
	return t.itemIDs(RoleOffered)
}

// RequestedItemIDs returns the item ids asked of the recipient.
func (t Trade) RequestedItemIDs() []int64 {
	return t.itemIDs(RoleRequested)
}

func (t Trade) itemIDs(role string) []int64 {
	var ids []int64
	for _, ti := range t.Items {
		if ti.Role == role {
			ids = append(ids, ti.ItemID)
		}
	}
	return ids
}

// Message is one entry in a trade's append-only thread. Never edited or
// deleted once written.
type Message struct {
	ID        int64  `json:"id"`
	TradeID   int64  `json:"trade_id"`
	SenderID  int64  `json:"sender_id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    int64  `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    int64  `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
