package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/digitalmarket/internal/cache/memory"
	"github.com/alanyoungcy/digitalmarket/internal/domain"
)

func startHub(t *testing.T) (*memory.SignalBus, *Hub, *websocket.Conn) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bus := memory.NewSignalBus()
	hub := NewHub(bus, nil, Config{Mode: "serve"})
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1 && bus.Subscribers() == len(defaultChannels)
	}, 2*time.Second, 10*time.Millisecond)
	return bus, hub, conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func publish(t *testing.T, bus *memory.SignalBus, channel string, evt domain.Event) {
	t.Helper()
	raw, err := json.Marshal(evt)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), channel, raw))
}

func TestHub_ForwardsEvents(t *testing.T) {
	bus, _, conn := startHub(t)

	hello := readJSON(t, conn)
	require.Equal(t, "hello", hello["type"])
	require.Equal(t, "serve", hello["mode"])

	publish(t, bus, domain.ChannelPurchases, domain.Event{Type: domain.EventPurchase, ListingID: 1001})
	got := readJSON(t, conn)
	require.Equal(t, "purchase", got["type"])
	require.EqualValues(t, 1001, got["listing_id"])
}

func TestHub_ListingFilter(t *testing.T) {
	bus, _, conn := startHub(t)
	readJSON(t, conn)

	require.NoError(t, conn.WriteJSON(controlMsg{Action: "subscribe", Listings: []uint64{7}}))
	// Control messages are applied by the read pump.
	time.Sleep(100 * time.Millisecond)

	publish(t, bus, domain.ChannelListings, domain.Event{Type: domain.EventPriceChanged, ListingID: 8})
	publish(t, bus, domain.ChannelListings, domain.Event{Type: domain.EventListingDeleted, ListingID: 7})

	got := readJSON(t, conn)
	require.Equal(t, "listing_deleted", got["type"])
	require.EqualValues(t, 7, got["listing_id"])
}

func TestClient_Subscribed(t *testing.T) {
	c := &client{subs: map[string]bool{"dmarket:*": true}, listings: map[uint64]bool{}}
	require.True(t, c.wants(message{channel: domain.ChannelListings, listingID: 1}))

	c.apply(controlMsg{Action: "unsubscribe", Channels: []string{"dmarket:*"}})
	require.False(t, c.wants(message{channel: domain.ChannelListings, listingID: 1}))

	c.apply(controlMsg{Action: "subscribe", Channels: []string{domain.ChannelPurchases}, Listings: []uint64{3}})
	require.True(t, c.wants(message{channel: domain.ChannelPurchases, listingID: 3}))
	require.False(t, c.wants(message{channel: domain.ChannelPurchases, listingID: 4}))
	require.False(t, c.wants(message{channel: domain.ChannelListings, listingID: 3}))
}
