package ticket

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lucaspalermo/passback/internal/pagination"
)

func futureDate(days int) string {
	return time.Now().Add(time.Duration(days) * 24 * time.Hour).Format(time.RFC3339)
}

func createListing(t *testing.T, svc *Service, sellerID, price string, days int) *Ticket {
	t.Helper()
	tk, err := svc.Create(context.Background(), sellerID, CreateRequest{
		EventName: "Test Concert",
		Venue:     "Test Arena",
		EventDate: futureDate(days),
		Price:     price,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return tk
}

func TestCreate_Valid(t *testing.T) {
	svc := NewService(NewMemoryStore())

	tk := createListing(t, svc, "seller1", "125.50", 30)

	if tk.ID == "" {
		t.Error("Expected generated ID")
	}
	if tk.Status != StatusAvailable {
		t.Errorf("Status: got %s, want %s", tk.Status, StatusAvailable)
	}
	if tk.Price.String() != "125.5" {
		t.Errorf("Price: got %s, want 125.5", tk.Price)
	}

	got, err := svc.Get(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.EventName != "Test Concert" {
		t.Errorf("EventName: got %s", got.EventName)
	}
}

func TestCreate_Validation(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	tests := []struct {
		name    string
		req     CreateRequest
		wantErr error
	}{
		{"zero price", CreateRequest{EventName: "X", EventDate: futureDate(1), Price: "0"}, ErrInvalidPrice},
		{"negative price", CreateRequest{EventName: "X", EventDate: futureDate(1), Price: "-5"}, ErrInvalidPrice},
		{"garbage price", CreateRequest{EventName: "X", EventDate: futureDate(1), Price: "abc"}, ErrInvalidPrice},
		{"past event", CreateRequest{EventName: "X", EventDate: time.Now().Add(-24 * time.Hour).Format(time.RFC3339), Price: "10"}, ErrPastEvent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(ctx, "seller1", tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

type recordingNotifier struct {
	listed []*Ticket
}

func (n *recordingNotifier) TicketListed(t *Ticket) { n.listed = append(n.listed, t) }

func TestCreate_NotifiesListing(t *testing.T) {
	n := &recordingNotifier{}
	svc := NewService(NewMemoryStore()).WithNotifier(n)

	tk := createListing(t, svc, "seller1", "50.00", 10)

	if len(n.listed) != 1 {
		t.Fatalf("Expected 1 listing notification, got %d", len(n.listed))
	}
	if n.listed[0].ID != tk.ID {
		t.Errorf("Notified ticket: got %s, want %s", n.listed[0].ID, tk.ID)
	}
}

func TestMemoryStore_Transitions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	tk := &Ticket{ID: "tkt_1", SellerID: "s1", EventName: "X", EventDate: time.Now().Add(24 * time.Hour), Status: StatusAvailable}
	if err := store.Create(ctx, tk); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// available -> reserved; a second reserve loses the compare-and-set.
	if err := store.Reserve(ctx, "tkt_1"); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := store.Reserve(ctx, "tkt_1"); !errors.Is(err, ErrNotAvailable) {
		t.Errorf("Second reserve: expected ErrNotAvailable, got %v", err)
	}

	// reserved -> sold -> completed.
	if err := store.MarkSold(ctx, "tkt_1"); err != nil {
		t.Fatalf("MarkSold failed: %v", err)
	}
	if err := store.ReleaseHold(ctx, "tkt_1"); !errors.Is(err, ErrNotReserved) {
		t.Errorf("ReleaseHold on sold: expected ErrNotReserved, got %v", err)
	}
	if err := store.MarkCompleted(ctx, "tkt_1"); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}

	got, _ := store.Get(ctx, "tkt_1")
	if got.Status != StatusCompleted {
		t.Errorf("Status: got %s, want %s", got.Status, StatusCompleted)
	}

	if err := store.Reserve(ctx, "tkt_missing"); !errors.Is(err, ErrTicketNotFound) {
		t.Errorf("Expected ErrTicketNotFound, got %v", err)
	}
}

func TestListAvailable_Pagination(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	// Seven listings with staggered event dates.
	var ids []string
	for i := 1; i <= 7; i++ {
		tk := createListing(t, svc, "seller1", "20.00", i)
		ids = append(ids, tk.ID)
	}

	page1, cursor, err := svc.ListAvailable(ctx, 3, "")
	if err != nil {
		t.Fatalf("ListAvailable failed: %v", err)
	}
	if len(page1) != 3 {
		t.Fatalf("Page 1: expected 3 tickets, got %d", len(page1))
	}
	if cursor == "" {
		t.Fatal("Expected a next cursor on page 1")
	}
	// Ordered by event date: the first page is the three soonest events.
	for i, tk := range page1 {
		if tk.ID != ids[i] {
			t.Errorf("Page 1 item %d: got %s, want %s", i, tk.ID, ids[i])
		}
	}

	page2, cursor, err := svc.ListAvailable(ctx, 3, cursor)
	if err != nil {
		t.Fatalf("ListAvailable page 2 failed: %v", err)
	}
	if len(page2) != 3 {
		t.Fatalf("Page 2: expected 3 tickets, got %d", len(page2))
	}
	if page2[0].ID != ids[3] {
		t.Errorf("Page 2 starts at %s, want %s", page2[0].ID, ids[3])
	}

	page3, cursor, err := svc.ListAvailable(ctx, 3, cursor)
	if err != nil {
		t.Fatalf("ListAvailable page 3 failed: %v", err)
	}
	if len(page3) != 1 {
		t.Fatalf("Page 3: expected 1 ticket, got %d", len(page3))
	}
	if cursor != "" {
		t.Errorf("Expected empty cursor on final page, got %s", cursor)
	}
}

func TestListAvailable_InvalidCursor(t *testing.T) {
	svc := NewService(NewMemoryStore())

	_, _, err := svc.ListAvailable(context.Background(), 10, "not-a-cursor!!!")
	if !errors.Is(err, ErrInvalidCursor) {
		t.Errorf("Expected ErrInvalidCursor, got %v", err)
	}
}

func TestListAvailable_SkipsReservedAndPast(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()

	open := createListing(t, svc, "seller1", "10.00", 5)
	held := createListing(t, svc, "seller1", "10.00", 6)
	if err := store.Reserve(ctx, held.ID); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	tickets, _, err := svc.ListAvailable(ctx, 50, "")
	if err != nil {
		t.Fatalf("ListAvailable failed: %v", err)
	}
	if len(tickets) != 1 {
		t.Fatalf("Expected 1 available ticket, got %d", len(tickets))
	}
	if tickets[0].ID != open.ID {
		t.Errorf("Expected %s, got %s", open.ID, tickets[0].ID)
	}
}

func TestListBySeller(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		createListing(t, svc, "seller_a", fmt.Sprintf("%d.00", 10+i), i+1)
	}
	createListing(t, svc, "seller_b", "99.00", 1)

	mine, err := svc.ListBySeller(ctx, "seller_a", 50)
	if err != nil {
		t.Fatalf("ListBySeller failed: %v", err)
	}
	if len(mine) != 3 {
		t.Errorf("Expected 3 listings for seller_a, got %d", len(mine))
	}
}

// Direct store-level check that cursor filtering is exclusive of the
// cursor position itself.
func TestMemoryStore_ListAvailable_CursorBoundary(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	eventDate := time.Now().Add(48 * time.Hour)

	for _, id := range []string{"tkt_a", "tkt_b", "tkt_c"} {
		store.Create(ctx, &Ticket{ID: id, SellerID: "s1", EventName: "X", EventDate: eventDate, Status: StatusAvailable})
	}

	// Same event date for all three, so the id breaks the tie.
	after := &pagination.Cursor{Time: eventDate, ID: "tkt_a"}
	got, err := store.ListAvailable(ctx, 10, after)
	if err != nil {
		t.Fatalf("ListAvailable failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 tickets after cursor, got %d", len(got))
	}
	if got[0].ID != "tkt_b" || got[1].ID != "tkt_c" {
		t.Errorf("Expected [tkt_b tkt_c], got [%s %s]", got[0].ID, got[1].ID)
	}
}
