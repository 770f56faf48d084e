package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"campusbarter/internal/config"
	"campusbarter/internal/domain"
	"campusbarter/internal/engine/access"
	"campusbarter/internal/events"
	"campusbarter/internal/repo"
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

// ErrInvalidCredentials is returned by Authenticate for unknown email or
// wrong password alike.
var ErrInvalidCredentials = errors.New("invalid credentials")

const initialReputation = 5.0

// RegisterUser creates an account with a bcrypt password hash.
func (e Engine) RegisterUser(ctx context.Context, name, email, password string) (domain.User, error) {
	name = strings.TrimSpace(name)
	email = strings.ToLower(strings.TrimSpace(email))
	if name == "" {
		return domain.User{}, access.InvalidArgumentError{Field: "name", Reason: "required"}
	}
	if email == "" || !strings.Contains(email, "@") {
		return domain.User{}, access.InvalidArgumentError{Field: "email", Reason: "valid address required"}
	}
	if len(password) < 8 {
		return domain.User{}, access.InvalidArgumentError{Field: "password", Reason: "at least 8 characters"}
	}
	if _, err := e.Repo.GetUserByEmail(ctx, email); err == nil {
		return domain.User{}, access.InvalidArgumentError{Field: "email", Reason: "already registered"}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	u := domain.User{
		Name:            name,
		Email:           email,
		PasswordHash:    string(hash),
		ReputationScore: initialReputation,
		JoinDate:        e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	id, err := e.Repo.InsertUser(ctx, tx, u)
	if err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	u.ID = id
	if err := e.Events.Append(ctx, tx, "user.registered", "user", fmt.Sprint(id), id, events.EventPayload{"email": email}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// Authenticate checks email/password and returns the user on success.
func (e Engine) Authenticate(ctx context.Context, email, password string) (domain.User, error) {
	u, err := e.Repo.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return domain.User{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return domain.User{}, ErrInvalidCredentials
	}
	return u, nil
}

// UpdateUser lets a user edit their own profile fields.
func (e Engine) UpdateUser(ctx context.Context, userID int64, name, profilePicture, bio *string) (domain.User, error) {
	if name != nil && strings.TrimSpace(*name) == "" {
		return domain.User{}, access.InvalidArgumentError{Field: "name", Reason: "must not be empty"}
	}
	if err := e.Repo.UpdateUser(ctx, userID, name, profilePicture, bio); err != nil {
		return domain.User{}, err
	}
	return e.Repo.GetUser(ctx, userID)
}

// ItemCreateOptions are parameters for listing an item.
type ItemCreateOptions struct {
	UserID      int64
	Title       string
	Description string
	Category    string
	Condition   string
	Images      []string
	Tags        []string
}

func (e Engine) CreateItem(ctx context.Context, opts ItemCreateOptions) (domain.Item, error) {
	if e.Config == nil {
		return domain.Item{}, errors.New("config not loaded")
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Item{}, access.InvalidArgumentError{Field: "title", Reason: "required"}
	}
	if !e.Config.KnownCategory(opts.Category) {
		return domain.Item{}, access.InvalidArgumentError{Field: "category", Reason: fmt.Sprintf("unknown category %q", opts.Category)}
	}
	if opts.Condition != "" && !e.Config.KnownCondition(opts.Condition) {
		return domain.Item{}, access.InvalidArgumentError{Field: "condition", Reason: fmt.Sprintf("unknown condition %q", opts.Condition)}
	}
	if _, err := e.Repo.GetUser(ctx, opts.UserID); err != nil {
		return domain.Item{}, err
	}
	it := domain.Item{
		UserID:      opts.UserID,
		Title:       strings.TrimSpace(opts.Title),
		Description: opts.Description,
		Category:    opts.Category,
		Condition:   opts.Condition,
		Images:      opts.Images,
		Tags:        opts.Tags,
		Status:      domain.ItemAvailable,
		DateListed:  e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback()
	id, err := e.Repo.InsertItem(ctx, tx, it)
	if err != nil {
		return domain.Item{}, fmt.Errorf("insert item: %w", err)
	}
	it.ID = id
	if err := e.Events.Append(ctx, tx, "item.created", "item", fmt.Sprint(id), opts.UserID, events.EventPayload{"title": it.Title, "category": it.Category}); err != nil {
		return domain.Item{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Item{}, err
	}
	return it, nil
}

// UpdateItem edits an item the user owns. Status may only be toggled between
// available and pending, and never while the item sits in a live trade.
func (e Engine) UpdateItem(ctx context.Context, userID, itemID int64, upd repo.ItemUpdate) (domain.Item, error) {
	if e.Config == nil {
		return domain.Item{}, errors.New("config not loaded")
	}
	if upd.Category != nil && !e.Config.KnownCategory(*upd.Category) {
		return domain.Item{}, access.InvalidArgumentError{Field: "category", Reason: fmt.Sprintf("unknown category %q", *upd.Category)}
	}
	if upd.Condition != nil && *upd.Condition != "" && !e.Config.KnownCondition(*upd.Condition) {
		return domain.Item{}, access.InvalidArgumentError{Field: "condition", Reason: fmt.Sprintf("unknown condition %q", *upd.Condition)}
	}
	if upd.Status != nil && *upd.Status != domain.ItemAvailable && *upd.Status != domain.ItemPending {
		return domain.Item{}, access.InvalidArgumentError{Field: "status", Reason: "only available or pending may be set directly"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetItemTx(ctx, tx, itemID)
	if err != nil {
		return domain.Item{}, err
	}
	if it.UserID != userID {
		return domain.Item{}, access.ForbiddenError{Entity: "item", ID: itemID, Action: "update"}
	}
	if upd.Status != nil && *upd.Status != it.Status {
		n, err := e.Repo.CountLiveTradesForItemTx(ctx, tx, itemID)
		if err != nil {
			return domain.Item{}, err
		}
		if n > 0 {
			return domain.Item{}, access.InvalidTradeError{Reason: fmt.Sprintf("item %d is part of an open trade", itemID)}
		}
	}
	if err := e.Repo.UpdateItemTx(ctx, tx, itemID, upd); err != nil {
		return domain.Item{}, err
	}
	if err := e.Events.Append(ctx, tx, "item.updated", "item", fmt.Sprint(itemID), userID, nil); err != nil {
		return domain.Item{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Item{}, err
	}
	return e.Repo.GetItem(ctx, itemID)
}

// DeleteItem removes an item the user owns, unless a live trade references it.
func (e Engine) DeleteItem(ctx context.Context, userID, itemID int64) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetItemTx(ctx, tx, itemID)
	if err != nil {
		return err
	}
	if it.UserID != userID {
		return access.ForbiddenError{Entity: "item", ID: itemID, Action: "delete"}
	}
	n, err := e.Repo.CountLiveTradesForItemTx(ctx, tx, itemID)
	if err != nil {
		return err
	}
	if n > 0 {
		return access.InvalidTradeError{Reason: fmt.Sprintf("item %d is part of an open trade", itemID)}
	}
	if err := e.Repo.DeleteItemTx(ctx, tx, itemID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "item.deleted", "item", fmt.Sprint(itemID), userID, events.EventPayload{"title": it.Title}); err != nil {
		return err
	}
	return tx.Commit()
}

// TradeProposalOptions are parameters for proposing a trade.
type TradeProposalOptions struct {
	InitiatorID      int64
	RecipientID      int64
	OfferedItemIDs   []int64
	RequestedItemIDs []int64
	Message          string
}

// ProposeTrade opens a pending trade between two users. Every offered item
// must be an available item of the initiator; every requested item an
// available item of the recipient.
func (e Engine) ProposeTrade(ctx context.Context, opts TradeProposalOptions) (domain.Trade, error) {
	if e.Config == nil {
		return domain.Trade{}, errors.New("config not loaded")
	}
	if opts.InitiatorID == opts.RecipientID {
		return domain.Trade{}, access.InvalidTradeError{Reason: "cannot trade with yourself"}
	}
	if len(opts.OfferedItemIDs) == 0 {
		return domain.Trade{}, access.InvalidTradeError{Reason: "trade needs at least one offered item"}
	}
	if len(opts.RequestedItemIDs) == 0 {
		return domain.Trade{}, access.InvalidTradeError{Reason: "trade needs at least one requested item"}
	}
	maxSide := e.Config.Trades.MaxItemsPerSide
	if len(opts.OfferedItemIDs) > maxSide || len(opts.RequestedItemIDs) > maxSide {
		return domain.Trade{}, access.InvalidTradeError{Reason: fmt.Sprintf("at most %d items per side", maxSide)}
	}
	if opts.Message != "" && len(opts.Message) > e.Config.Trades.MaxMessageLength {
		return domain.Trade{}, access.InvalidArgumentError{Field: "message", Reason: "too long"}
	}
	seen := map[int64]bool{}
	for _, id := range append(append([]int64{}, opts.OfferedItemIDs...), opts.RequestedItemIDs...) {
		if seen[id] {
			return domain.Trade{}, access.InvalidTradeError{Reason: fmt.Sprintf("item %d listed twice", id)}
		}
		seen[id] = true
	}

	if _, err := e.Repo.GetUser(ctx, opts.RecipientID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Trade{}, access.InvalidTradeError{Reason: fmt.Sprintf("recipient %d not found", opts.RecipientID)}
		}
		return domain.Trade{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Trade{}, err
	}
	defer tx.Rollback()

	if max := e.Config.Trades.MaxOpenPerUser; max > 0 {
		n, err := e.Repo.CountOpenTradesForUser(ctx, tx, opts.InitiatorID)
		if err != nil {
			return domain.Trade{}, err
		}
		if n >= max {
			return domain.Trade{}, access.InvalidTradeError{Reason: fmt.Sprintf("at most %d open trades per user", max)}
		}
	}

	checkSide := func(itemIDs []int64, ownerID int64, side string) error {
		for _, id := range itemIDs {
			it, err := e.Repo.GetItemTx(ctx, tx, id)
			if errors.Is(err, repo.ErrNotFound) {
				return access.InvalidTradeError{Reason: fmt.Sprintf("%s item %d not found", side, id)}
			}
			if err != nil {
				return err
			}
			if it.UserID != ownerID {
				return access.InvalidTradeError{Reason: fmt.Sprintf("%s item %d not owned by user %d", side, id, ownerID)}
			}
			if it.Status != domain.ItemAvailable {
				return access.InvalidTradeError{Reason: fmt.Sprintf("%s item %d is not available", side, id)}
			}
		}
		return nil
	}
	if err := checkSide(opts.OfferedItemIDs, opts.InitiatorID, domain.RoleOffered); err != nil {
		return domain.Trade{}, err
	}
	if err := checkSide(opts.RequestedItemIDs, opts.RecipientID, domain.RoleRequested); err != nil {
		return domain.Trade{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	t := domain.Trade{
		InitiatorID:  opts.InitiatorID,
		RecipientID:  opts.RecipientID,
		Status:       domain.TradePending,
		CreationDate: now,
	}
	for _, id := range opts.OfferedItemIDs {
		t.Items = append(t.Items, domain.TradeItem{Role: domain.RoleOffered, ItemID: id})
	}
	for _, id := range opts.RequestedItemIDs {
		t.Items = append(t.Items, domain.TradeItem{Role: domain.RoleRequested, ItemID: id})
	}
	tradeID, err := e.Repo.InsertTradeTx(ctx, tx, t)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("insert trade: %w", err)
	}
	t.ID = tradeID
	for i := range t.Items {
		t.Items[i].TradeID = tradeID
	}

	if msg := strings.TrimSpace(opts.Message); msg != "" {
		m := domain.Message{TradeID: tradeID, SenderID: opts.InitiatorID, Content: msg, Timestamp: now}
		id, err := e.Repo.InsertMessageTx(ctx, tx, m)
		if err != nil {
			return domain.Trade{}, fmt.Errorf("insert opening message: %w", err)
		}
		m.ID = id
		t.Messages = append(t.Messages, m)
	}

	if err := e.Events.Append(ctx, tx, "trade.proposed", "trade", fmt.Sprint(tradeID), opts.InitiatorID, events.EventPayload{
		"recipient_id": opts.RecipientID,
		"offered":      opts.OfferedItemIDs,
		"requested":    opts.RequestedItemIDs,
	}); err != nil {
		return domain.Trade{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Trade{}, err
	}
	return t, nil
}

// GetTradeFor loads a trade with its items and messages for one of its
// parties. Anyone else gets ForbiddenError.
func (e Engine) GetTradeFor(ctx context.Context, userID, tradeID int64) (domain.Trade, error) {
	t, err := e.Repo.GetTrade(ctx, tradeID)
	if err != nil {
		return domain.Trade{}, err
	}
	if access.On(t, userID) == access.None {
		return domain.Trade{}, access.ForbiddenError{Entity: "trade", ID: tradeID, Action: "view"}
	}
	return t, nil
}

// ListTradesForUser returns trades the user participates in, optionally
// filtered by status.
func (e Engine) ListTradesForUser(ctx context.Context, userID int64, status string) ([]domain.Trade, error) {
	switch status {
	case "", domain.TradePending, domain.TradeAccepted, domain.TradeRejected, domain.TradeCompleted:
	default:
		return nil, access.InvalidArgumentError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	return e.Repo.ListTradesForUser(ctx, userID, status)
}

// TransitionTrade moves a trade through its lifecycle. Accept and reject are
// the recipient's alone; either party may complete an accepted trade. The
// row-level compare-and-set on (status, version) guarantees at most one
// winner under concurrent transitions.
func (e Engine) TransitionTrade(ctx context.Context, userID, tradeID int64, newStatus string) (domain.Trade, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Trade{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTradeTx(ctx, tx, tradeID)
	if err != nil {
		return domain.Trade{}, err
	}
	role := access.On(t, userID)
	if role == access.None {
		return domain.Trade{}, access.ForbiddenError{Entity: "trade", ID: tradeID, Action: "update"}
	}
	switch newStatus {
	case domain.TradeAccepted, domain.TradeRejected:
		if role != access.Recipient {
			return domain.Trade{}, access.ForbiddenError{Entity: "trade", ID: tradeID, Action: "respond to"}
		}
	case domain.TradeCompleted, domain.TradePending:
	default:
		return domain.Trade{}, access.InvalidArgumentError{Field: "status", Reason: fmt.Sprintf("unknown status %q", newStatus)}
	}
	if err := ensureTradeTransition(tradeID, t.Status, newStatus); err != nil {
		return domain.Trade{}, err
	}

	var completionDate *string
	now := e.now().UTC().Format(time.RFC3339)
	if newStatus == domain.TradeCompleted {
		completionDate = &now
	}
	if err := e.Repo.AdvanceTradeStatusTx(ctx, tx, tradeID, t.Status, newStatus, t.Version, completionDate); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// lost the compare-and-set race; report against the winner's state
			cur, gerr := e.Repo.GetTradeTx(ctx, tx, tradeID)
			if gerr != nil {
				return domain.Trade{}, gerr
			}
			return domain.Trade{}, access.InvalidTransitionError{TradeID: tradeID, From: cur.Status, To: newStatus}
		}
		return domain.Trade{}, err
	}

	switch newStatus {
	case domain.TradeAccepted:
		for _, ti := range t.Items {
			if err := e.Repo.SetItemStatusTx(ctx, tx, ti.ItemID, domain.ItemAvailable, domain.ItemPending); err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return domain.Trade{}, access.InvalidTradeError{Reason: fmt.Sprintf("item %d is no longer available", ti.ItemID)}
				}
				return domain.Trade{}, err
			}
		}
	case domain.TradeCompleted:
		for _, ti := range t.Items {
			if err := e.Repo.SetItemStatusTx(ctx, tx, ti.ItemID, domain.ItemPending, domain.ItemTraded); err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return domain.Trade{}, access.InvalidTradeError{Reason: fmt.Sprintf("item %d is not reserved for this trade", ti.ItemID)}
				}
				return domain.Trade{}, err
			}
		}
	}

	if err := e.Events.Append(ctx, tx, "trade."+newStatus, "trade", fmt.Sprint(tradeID), userID, events.EventPayload{"from": t.Status}); err != nil {
		return domain.Trade{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Trade{}, err
	}

	t.Status = newStatus
	t.Version++
	t.CompletionDate = completionDate
	return t, nil
}

// ensureTradeTransition enforces the trade state machine.
func ensureTradeTransition(tradeID int64, oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.TradePending:
		if newStatus == domain.TradeAccepted || newStatus == domain.TradeRejected {
			return nil
		}
	case domain.TradeAccepted:
		if newStatus == domain.TradeCompleted {
			return nil
		}
	}
	return access.InvalidTransitionError{TradeID: tradeID, From: oldStatus, To: newStatus}
}

// PostMessage appends to a trade's thread. Closed trades take no further
// messages. Timestamps are clamped so the thread never goes backwards in
// time even if the clock does.
func (e Engine) PostMessage(ctx context.Context, userID, tradeID int64, content string) (domain.Message, error) {
	if e.Config == nil {
		return domain.Message{}, errors.New("config not loaded")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Message{}, access.InvalidArgumentError{Field: "content", Reason: "required"}
	}
	if len(content) > e.Config.Trades.MaxMessageLength {
		return domain.Message{}, access.InvalidArgumentError{Field: "content", Reason: fmt.Sprintf("at most %d characters", e.Config.Trades.MaxMessageLength)}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTradeTx(ctx, tx, tradeID)
	if err != nil {
		return domain.Message{}, err
	}
	if access.On(t, userID) == access.None {
		return domain.Message{}, access.ForbiddenError{Entity: "trade", ID: tradeID, Action: "message"}
	}
	if domain.TerminalStatus(t.Status) {
		return domain.Message{}, access.InvalidTransitionError{TradeID: tradeID, From: t.Status}
	}

	ts := e.now().UTC().Format(time.RFC3339)
	last, err := e.Repo.LastMessageTimestampTx(ctx, tx, tradeID)
	if err != nil {
		return domain.Message{}, err
	}
	if last > ts {
		ts = last
	}
	m := domain.Message{TradeID: tradeID, SenderID: userID, Content: content, Timestamp: ts}
	id, err := e.Repo.InsertMessageTx(ctx, tx, m)
	if err != nil {
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	m.ID = id
	if err := e.Events.Append(ctx, tx, "trade.message", "trade", fmt.Sprint(tradeID), userID, events.EventPayload{"message_id": id}); err != nil {
		return domain.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, err
	}
	return m, nil
}

// ListMessages returns a trade's thread for one of its parties. sinceID
// supports incremental polling.
func (e Engine) ListMessages(ctx context.Context, userID, tradeID, sinceID int64, limit int) ([]domain.Message, error) {
	t, err := e.Repo.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if access.On(t, userID) == access.None {
		return nil, access.ForbiddenError{Entity: "trade", ID: tradeID, Action: "view"}
	}
	if max := e.Config.Trades.MaxMessagesPerPage; limit <= 0 || limit > max {
		limit = max
	}
	return e.Repo.ListMessages(ctx, tradeID, sinceID, limit)
}
