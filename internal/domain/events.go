package domain

import "time"

// Channels on the SignalBus.
const (
	ChannelListings  = "dmarket:listings"
	ChannelPurchases = "dmarket:purchases"
)

// EventType names a marketplace event.
type EventType string

const (
	EventListingCreated EventType = "listing_created"
	EventListingStep    EventType = "listing_step"
	EventListingDeleted EventType = "listing_deleted"
	EventPriceChanged   EventType = "price_changed"
	EventPurchase       EventType = "purchase"
	EventViewRefreshed  EventType = "view_refreshed"
)

// Event is the payload published on the SignalBus and pushed to websocket
// clients.
type Event struct {
	Type      EventType    `json:"type"`
	ListingID uint64       `json:"listing_id"`
	View      *ListingView `json:"view,omitempty"`
	Purchase  *Purchase    `json:"purchase,omitempty"`
	Step      string       `json:"step,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}
