package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"campusbarter/internal/config"
	"campusbarter/internal/db"
	"campusbarter/internal/domain"
	"campusbarter/internal/engine"
	"campusbarter/internal/engine/access"
	"campusbarter/internal/migrate"
	"campusbarter/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Alice  domain.User
	Bob    domain.User
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("test-campus")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	alice, err := eng.RegisterUser(ctx, "Alice", "alice@example.edu", "password-one")
	if err != nil {
		t.Fatalf("register alice: %v", err)
	}
	bob, err := eng.RegisterUser(ctx, "Bob", "bob@example.edu", "password-two")
	if err != nil {
		t.Fatalf("register bob: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Alice: alice, Bob: bob}
}

func mustItem(t *testing.T, env testEnv, userID int64, title string) domain.Item {
	t.Helper()
	it, err := env.Engine.CreateItem(env.Ctx, engine.ItemCreateOptions{
		UserID:   userID,
		Title:    title,
		Category: "Textbooks",
	})
	if err != nil {
		t.Fatalf("create item %s: %v", title, err)
	}
	return it
}

func mustTrade(t *testing.T, env testEnv) domain.Trade {
	t.Helper()
	offered := mustItem(t, env, env.Alice.ID, "calc book")
	requested := mustItem(t, env, env.Bob.ID, "physics book")
	trade, err := env.Engine.ProposeTrade(env.Ctx, engine.TradeProposalOptions{
		InitiatorID:      env.Alice.ID,
		RecipientID:      env.Bob.ID,
		OfferedItemIDs:   []int64{offered.ID},
		RequestedItemIDs: []int64{requested.ID},
	})
	if err != nil {
		t.Fatalf("propose trade: %v", err)
	}
	return trade
}

func TestRegisterAndAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	u, err := env.Engine.Authenticate(env.Ctx, "alice@example.edu", "password-one")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if u.ID != env.Alice.ID {
		t.Fatalf("expected user %d, got %d", env.Alice.ID, u.ID)
	}
	if _, err := env.Engine.Authenticate(env.Ctx, "alice@example.edu", "wrong-password"); !errors.Is(err, engine.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := env.Engine.Authenticate(env.Ctx, "nobody@example.edu", "password-one"); !errors.Is(err, engine.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown email, got %v", err)
	}
	if _, err := env.Engine.RegisterUser(env.Ctx, "Dup", "alice@example.edu", "password-three"); err == nil {
		t.Fatalf("expected duplicate email rejection")
	}
}

func TestCreateItemValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateItem(env.Ctx, engine.ItemCreateOptions{
		UserID: env.Alice.ID, Title: "mystery box", Category: "Nonsense",
	}); err == nil {
		t.Fatalf("expected unknown category rejection")
	}
	it := mustItem(t, env, env.Alice.ID, "lamp")
	if it.Status != domain.ItemAvailable {
		t.Fatalf("expected available, got %s", it.Status)
	}
}

func TestTradeLifecycle(t *testing.T) {
	env := newTestEnv(t)
	trade := mustTrade(t, env)
	if trade.Status != domain.TradePending {
		t.Fatalf("expected pending, got %s", trade.Status)
	}

	trade, err := env.Engine.TransitionTrade(env.Ctx, env.Bob.ID, trade.ID, domain.TradeAccepted)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if trade.Status != domain.TradeAccepted {
		t.Fatalf("expected accepted, got %s", trade.Status)
	}
	// items are reserved once accepted
	for _, ti := range trade.Items {
		it, err := env.Engine.Repo.GetItem(env.Ctx, ti.ItemID)
		if err != nil {
			t.Fatalf("get item: %v", err)
		}
		if it.Status != domain.ItemPending {
			t.Fatalf("expected item %d pending, got %s", it.ID, it.Status)
		}
	}

	trade, err = env.Engine.TransitionTrade(env.Ctx, env.Alice.ID, trade.ID, domain.TradeCompleted)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if trade.Status != domain.TradeCompleted {
		t.Fatalf("expected completed, got %s", trade.Status)
	}
	if trade.CompletionDate == nil {
		t.Fatalf("expected completion date")
	}
	for _, ti := range trade.Items {
		it, _ := env.Engine.Repo.GetItem(env.Ctx, ti.ItemID)
		if it.Status != domain.ItemTraded {
			t.Fatalf("expected item %d traded, got %s", it.ID, it.Status)
		}
	}

	// terminal: nothing moves out of completed
	if _, err := env.Engine.TransitionTrade(env.Ctx, env.Bob.ID, trade.ID, domain.TradeAccepted); err == nil {
		t.Fatalf("expected transition error out of completed")
	}
}

func TestRejectIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	trade := mustTrade(t, env)
	trade, err := env.Engine.TransitionTrade(env.Ctx, env.Bob.ID, trade.ID, domain.TradeRejected)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	// items stay available after a rejection
	for _, ti := range trade.Items {
		it, _ := env.Engine.Repo.GetItem(env.Ctx, ti.ItemID)
		if it.Status != domain.ItemAvailable {
			t.Fatalf("expected item %d available, got %s", it.ID, it.Status)
		}
	}
	var te access.InvalidTransitionError
	_, err = env.Engine.TransitionTrade(env.Ctx, env.Bob.ID, trade.ID, domain.TradeAccepted)
	if !errors.As(err, &te) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	_, err = env.Engine.TransitionTrade(env.Ctx, env.Alice.ID, trade.ID, domain.TradeCompleted)
	if !errors.As(err, &te) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestTransitionBackToPending(t *testing.T) {
	env := newTestEnv(t)
	trade := mustTrade(t, env)

	// pending is a valid status but never a target
	var te access.InvalidTransitionError
	if _, err := env.Engine.TransitionTrade(env.Ctx, env.Bob.ID, trade.ID, domain.TradePending); !errors.As(err, &te) {
		t.Fatalf("expected InvalidTransitionError for pending target, got %v", err)
	}
	if _, err := env.Engine.TransitionTrade(env.Ctx, env.Bob.ID, trade.ID, domain.TradeAccepted); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := env.Engine.TransitionTrade(env.Ctx, env.Bob.ID, trade.ID, domain.TradePending); !errors.As(err, &te) {
		t.Fatalf("expected InvalidTransitionError unwinding an accept, got %v", err)
	}
	// a status outside the enum is still an argument error
	var ie access.InvalidArgumentError
	if _, err := env.Engine.TransitionTrade(env.Ctx, env.Bob.ID, trade.ID, "cancelled"); !errors.As(err, &ie) {
		t.Fatalf("expected InvalidArgumentError for unknown status, got %v", err)
	}
}

func TestTransitionAuthorization(t *testing.T) {
	env := newTestEnv(t)
	trade := mustTrade(t, env)
	carol, err := env.Engine.RegisterUser(env.Ctx, "Carol", "carol@example.edu", "password-four")
	if err != nil {
		t.Fatalf("register carol: %v", err)
	}

	var fe access.ForbiddenError
	// initiator cannot accept their own proposal
	if _, err := env.Engine.TransitionTrade(env.Ctx, env.Alice.ID, trade.ID, domain.TradeAccepted); !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError for initiator accept, got %v", err)
	}
	// a stranger cannot touch the trade at all
	if _, err := env.Engine.TransitionTrade(env.Ctx, carol.ID, trade.ID, domain.TradeAccepted); !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError for stranger, got %v", err)
	}
	if _, err := env.Engine.GetTradeFor(env.Ctx, carol.ID, trade.ID); !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError on get, got %v", err)
	}
	if _, err := env.Engine.PostMessage(env.Ctx, carol.ID, trade.ID, "let me in"); !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError on message, got %v", err)
	}

	// complete is open to either party once accepted
	if _, err := env.Engine.TransitionTrade(env.Ctx, env.Bob.ID, trade.ID, domain.TradeAccepted); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := env.Engine.TransitionTrade(env.Ctx, env.Bob.ID, trade.ID, domain.TradeCompleted); err != nil {
		t.Fatalf("recipient complete: %v", err)
	}
}

func TestConcurrentAcceptReject(t *testing.T) {
	env := newTestEnv(t)
	trade := mustTrade(t, env)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, status := range []string{domain.TradeAccepted, domain.TradeRejected} {
		wg.Add(1)
		go func(i int, status string) {
			defer wg.Done()
			_, results[i] = env.Engine.TransitionTrade(env.Ctx, env.Bob.ID, trade.ID, status)
		}(i, status)
	}
	wg.Wait()

	var wins int
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		var te access.InvalidTransitionError
		if !errors.As(err, &te) {
			t.Fatalf("loser should see InvalidTransitionError, got %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	final, err := env.Engine.Repo.GetTrade(env.Ctx, trade.ID)
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if final.Status != domain.TradeAccepted && final.Status != domain.TradeRejected {
		t.Fatalf("unexpected final status %s", final.Status)
	}
	if final.Version != 1 {
		t.Fatalf("expected version 1 after single transition, got %d", final.Version)
	}
}

func TestProposeTradeValidation(t *testing.T) {
	env := newTestEnv(t)
	mine := mustItem(t, env, env.Alice.ID, "mine")
	theirs := mustItem(t, env, env.Bob.ID, "theirs")

	var ve access.InvalidTradeError
	// self trade
	_, err := env.Engine.ProposeTrade(env.Ctx, engine.TradeProposalOptions{
		InitiatorID: env.Alice.ID, RecipientID: env.Alice.ID,
		OfferedItemIDs: []int64{mine.ID}, RequestedItemIDs: []int64{theirs.ID},
	})
	if !errors.As(err, &ve) {
		t.Fatalf("expected InvalidTradeError for self trade, got %v", err)
	}
	// an empty side is rejected before anything persists
	_, err = env.Engine.ProposeTrade(env.Ctx, engine.TradeProposalOptions{
		InitiatorID: env.Alice.ID, RecipientID: env.Bob.ID, RequestedItemIDs: []int64{theirs.ID},
	})
	if !errors.As(err, &ve) {
		t.Fatalf("expected InvalidTradeError for empty offered side, got %v", err)
	}
	_, err = env.Engine.ProposeTrade(env.Ctx, engine.TradeProposalOptions{
		InitiatorID: env.Alice.ID, RecipientID: env.Bob.ID, OfferedItemIDs: []int64{mine.ID},
	})
	if !errors.As(err, &ve) {
		t.Fatalf("expected InvalidTradeError for empty requested side, got %v", err)
	}
	// offering an item the initiator doesn't own
	bobsOther := mustItem(t, env, env.Bob.ID, "spare")
	_, err = env.Engine.ProposeTrade(env.Ctx, engine.TradeProposalOptions{
		InitiatorID: env.Alice.ID, RecipientID: env.Bob.ID,
		OfferedItemIDs: []int64{theirs.ID}, RequestedItemIDs: []int64{bobsOther.ID},
	})
	if !errors.As(err, &ve) {
		t.Fatalf("expected InvalidTradeError for foreign item, got %v", err)
	}
	// unknown recipient
	_, err = env.Engine.ProposeTrade(env.Ctx, engine.TradeProposalOptions{
		InitiatorID: env.Alice.ID, RecipientID: 9999,
		OfferedItemIDs: []int64{mine.ID}, RequestedItemIDs: []int64{theirs.ID},
	})
	if !errors.As(err, &ve) {
		t.Fatalf("expected InvalidTradeError for unknown recipient, got %v", err)
	}
	// item already reserved by an accepted trade
	trade := mustTrade(t, env)
	if _, err := env.Engine.TransitionTrade(env.Ctx, env.Bob.ID, trade.ID, domain.TradeAccepted); err != nil {
		t.Fatalf("accept: %v", err)
	}
	reserved := trade.OfferedItemIDs()[0]
	_, err = env.Engine.ProposeTrade(env.Ctx, engine.TradeProposalOptions{
		InitiatorID: env.Alice.ID, RecipientID: env.Bob.ID,
		OfferedItemIDs: []int64{reserved}, RequestedItemIDs: []int64{theirs.ID},
	})
	if !errors.As(err, &ve) {
		t.Fatalf("expected InvalidTradeError for reserved item, got %v", err)
	}
}

func TestMessagesOrderingAndPolling(t *testing.T) {
	env := newTestEnv(t)
	trade := mustTrade(t, env)

	m1, err := env.Engine.PostMessage(env.Ctx, env.Alice.ID, trade.ID, "hi bob")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	m2, err := env.Engine.PostMessage(env.Ctx, env.Bob.ID, trade.ID, "hi alice")
	if err != nil {
		t.Fatalf("post: %v", err)
	}

	msgs, err := env.Engine.ListMessages(env.Ctx, env.Alice.ID, trade.ID, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != m1.ID || msgs[1].ID != m2.ID {
		t.Fatalf("unexpected thread order: %+v", msgs)
	}

	// incremental poll skips what the caller already has
	tail, err := env.Engine.ListMessages(env.Ctx, env.Bob.ID, trade.ID, m1.ID, 0)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(tail) != 1 || tail[0].ID != m2.ID {
		t.Fatalf("expected only m2 after since_id, got %+v", tail)
	}
}

func TestMessageTimestampsNeverGoBackwards(t *testing.T) {
	env := newTestEnv(t)
	trade := mustTrade(t, env)

	env.Engine.Now = func() time.Time { return time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC) }
	first, err := env.Engine.PostMessage(env.Ctx, env.Alice.ID, trade.ID, "later clock")
	if err != nil {
		t.Fatalf("post: %v", err)
	}

	// clock jumps backwards; the thread must not
	env.Engine.Now = func() time.Time { return time.Date(2026, 1, 2, 11, 0, 0, 0, time.UTC) }
	second, err := env.Engine.PostMessage(env.Ctx, env.Bob.ID, trade.ID, "earlier clock")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if second.Timestamp < first.Timestamp {
		t.Fatalf("timestamp went backwards: %s < %s", second.Timestamp, first.Timestamp)
	}
	msgs, _ := env.Engine.ListMessages(env.Ctx, env.Alice.ID, trade.ID, 0, 0)
	if msgs[0].ID != first.ID || msgs[1].ID != second.ID {
		t.Fatalf("order broken by clock skew: %+v", msgs)
	}
}

func TestMessageValidation(t *testing.T) {
	env := newTestEnv(t)
	trade := mustTrade(t, env)
	var ie access.InvalidArgumentError
	if _, err := env.Engine.PostMessage(env.Ctx, env.Alice.ID, trade.ID, "   "); !errors.As(err, &ie) {
		t.Fatalf("expected InvalidArgumentError for blank message, got %v", err)
	}
	long := make([]byte, env.Engine.Config.Trades.MaxMessageLength+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := env.Engine.PostMessage(env.Ctx, env.Alice.ID, trade.ID, string(long)); !errors.As(err, &ie) {
		t.Fatalf("expected InvalidArgumentError for oversized message, got %v", err)
	}
}

func TestNoMessagesOnClosedTrade(t *testing.T) {
	env := newTestEnv(t)
	trade := mustTrade(t, env)
	if _, err := env.Engine.PostMessage(env.Ctx, env.Alice.ID, trade.ID, "before close"); err != nil {
		t.Fatalf("post: %v", err)
	}
	if _, err := env.Engine.TransitionTrade(env.Ctx, env.Bob.ID, trade.ID, domain.TradeRejected); err != nil {
		t.Fatalf("reject: %v", err)
	}
	var te access.InvalidTransitionError
	if _, err := env.Engine.PostMessage(env.Ctx, env.Alice.ID, trade.ID, "too late"); !errors.As(err, &te) {
		t.Fatalf("expected InvalidTransitionError on closed trade, got %v", err)
	}
	// the existing thread stays readable
	msgs, err := env.Engine.ListMessages(env.Ctx, env.Bob.ID, trade.ID, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "before close" {
		t.Fatalf("thread changed after close: %+v", msgs)
	}
}

func TestProposeWithOpeningMessage(t *testing.T) {
	env := newTestEnv(t)
	offered := mustItem(t, env, env.Alice.ID, "skates")
	requested := mustItem(t, env, env.Bob.ID, "helmet")
	trade, err := env.Engine.ProposeTrade(env.Ctx, engine.TradeProposalOptions{
		InitiatorID:      env.Alice.ID,
		RecipientID:      env.Bob.ID,
		OfferedItemIDs:   []int64{offered.ID},
		RequestedItemIDs: []int64{requested.ID},
		Message:          "interested?",
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if len(trade.Messages) != 1 || trade.Messages[0].SenderID != env.Alice.ID {
		t.Fatalf("expected opening message from initiator, got %+v", trade.Messages)
	}
	got, err := env.Engine.GetTradeFor(env.Ctx, env.Bob.ID, trade.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "interested?" {
		t.Fatalf("opening message not persisted: %+v", got.Messages)
	}
}

func TestListTradesForUser(t *testing.T) {
	env := newTestEnv(t)
	t1 := mustTrade(t, env)
	t2 := mustTrade(t, env)
	if _, err := env.Engine.TransitionTrade(env.Ctx, env.Bob.ID, t2.ID, domain.TradeRejected); err != nil {
		t.Fatalf("reject: %v", err)
	}

	all, err := env.Engine.ListTradesForUser(env.Ctx, env.Alice.ID, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(all))
	}
	pending, err := env.Engine.ListTradesForUser(env.Ctx, env.Alice.ID, domain.TradePending)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != t1.ID {
		t.Fatalf("expected only t1 pending, got %+v", pending)
	}
	var ie access.InvalidArgumentError
	if _, err := env.Engine.ListTradesForUser(env.Ctx, env.Alice.ID, "bogus"); !errors.As(err, &ie) {
		t.Fatalf("expected InvalidArgumentError for bogus status, got %v", err)
	}
	carol, _ := env.Engine.RegisterUser(env.Ctx, "Carol", "carol@example.edu", "password-five")
	none, err := env.Engine.ListTradesForUser(env.Ctx, carol.ID, "")
	if err != nil {
		t.Fatalf("list for stranger: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no trades for stranger, got %d", len(none))
	}
}

func TestDeleteItemBlockedByLiveTrade(t *testing.T) {
	env := newTestEnv(t)
	trade := mustTrade(t, env)
	itemID := trade.OfferedItemIDs()[0]

	var ve access.InvalidTradeError
	if err := env.Engine.DeleteItem(env.Ctx, env.Alice.ID, itemID); !errors.As(err, &ve) {
		t.Fatalf("expected InvalidTradeError while trade open, got %v", err)
	}
	var fe access.ForbiddenError
	if err := env.Engine.DeleteItem(env.Ctx, env.Bob.ID, itemID); !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError for non-owner, got %v", err)
	}
	if _, err := env.Engine.TransitionTrade(env.Ctx, env.Bob.ID, trade.ID, domain.TradeRejected); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if err := env.Engine.DeleteItem(env.Ctx, env.Alice.ID, itemID); err != nil {
		t.Fatalf("delete after terminal trade: %v", err)
	}
	if _, err := env.Engine.Repo.GetItem(env.Ctx, itemID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected item gone, got %v", err)
	}
}

func TestUpdateItem(t *testing.T) {
	env := newTestEnv(t)
	it := mustItem(t, env, env.Alice.ID, "old title")
	title := "new title"
	category := "Electronics"
	updated, err := env.Engine.UpdateItem(env.Ctx, env.Alice.ID, it.ID, repo.ItemUpdate{Title: &title, Category: &category})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != title || updated.Category != category {
		t.Fatalf("update not applied: %+v", updated)
	}
	var fe access.ForbiddenError
	if _, err := env.Engine.UpdateItem(env.Ctx, env.Bob.ID, it.ID, repo.ItemUpdate{Title: &title}); !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError for non-owner, got %v", err)
	}
	traded := domain.ItemTraded
	if _, err := env.Engine.UpdateItem(env.Ctx, env.Alice.ID, it.ID, repo.ItemUpdate{Status: &traded}); err == nil {
		t.Fatalf("expected rejection of direct traded status")
	}
}
