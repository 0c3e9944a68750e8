package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventTicketListed, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventTicketListed, EventPriceChanged},
	}}

	listedEvent := &Event{Type: EventTicketListed}
	priceEvent := &Event{Type: EventPriceChanged}
	soldEvent := &Event{Type: EventTicketSold}

	if !h.shouldSend(client, listedEvent) {
		t.Error("Should receive ticket_listed events")
	}
	if !h.shouldSend(client, priceEvent) {
		t.Error("Should receive price_changed events")
	}
	if h.shouldSend(client, soldEvent) {
		t.Error("Should NOT receive ticket_sold events")
	}
}

func TestShouldSend_TicketFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		TicketIDs: []string{"tkt_watched"},
	}}

	matching := &Event{
		Type: EventTicketSold,
		Data: map[string]interface{}{"ticketId": "tkt_watched"},
	}
	notMatching := &Event{
		Type: EventTicketSold,
		Data: map[string]interface{}{"ticketId": "tkt_other"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match watched ticket")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated ticket")
	}
}

func TestShouldSend_MaxPriceFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		MaxPrice: 50.0,
	}}

	cheap := &Event{
		Type: EventTicketListed,
		Data: map[string]interface{}{"price": 30.0},
	}
	expensive := &Event{
		Type: EventTicketListed,
		Data: map[string]interface{}{"price": 120.0},
	}
	sold := &Event{
		Type: EventTicketSold,
		Data: map[string]interface{}{"price": 120.0},
	}

	if !h.shouldSend(client, cheap) {
		t.Error("Should receive listing within price ceiling")
	}
	if h.shouldSend(client, expensive) {
		t.Error("Should NOT receive listing above price ceiling")
	}
	if !h.shouldSend(client, sold) {
		t.Error("MaxPrice filter should only apply to listings and price changes")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventTicketListed}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonMapData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		TicketIDs: []string{"tkt_watched"},
	}}

	// Event with non-map data should not crash
	event := &Event{
		Type: EventSaleReleased,
		Data: "string data not a map",
	}

	// Ticket filter skips non-map data (can't extract the ticket id), so event passes through
	if !h.shouldSend(client, event) {
		t.Error("Non-map data should pass through when ticket filter can't extract the id")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Broadcast an event
	h.Broadcast(&Event{Type: EventTicketListed, Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{
		Type:      EventTicketSold,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"ticketId": "tkt_1", "amount": "75.00"},
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_BroadcastListing(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Should not panic
	h.BroadcastListing(map[string]interface{}{
		"ticketId": "tkt_1", "price": 45.0,
	})
	h.BroadcastSale(map[string]interface{}{
		"ticketId": "tkt_1", "amount": "45.00",
	})
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants completed sales
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventTicketSold}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send a listing event (should be filtered out)
	h.Broadcast(&Event{Type: EventTicketListed, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive listing event")
	default:
		// Good - filtered out
	}

	// Send a sale event (should be received)
	h.Broadcast(&Event{Type: EventTicketSold, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive sale event")
	}
}
