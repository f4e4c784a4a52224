package model

import "time"

// UnknownSender is recorded as the sender of a message when none was given.
const UnknownSender = "unknown"

// SubscriptionKeys holds the client key material used to encrypt payloads.
type SubscriptionKeys struct {
	P256dh string `json:"p256dh" bson:"p256dh"`
	Auth   string `json:"auth" bson:"auth"`
}

// Device is a browser push subscription registered under a client-generated ID.
type Device struct {
	DeviceID   string           `json:"deviceId" bson:"deviceId"`
	Endpoint   string           `json:"endpoint" bson:"endpoint"`
	Keys       SubscriptionKeys `json:"keys" bson:"keys"`
	DeviceName string           `json:"deviceName" bson:"deviceName"`
	LastSeen   time.Time        `json:"lastSeen" bson:"lastSeen"`
	CreatedAt  time.Time        `json:"createdAt" bson:"createdAt"`
}

// DeliveryOutcome is the result of one recipient's delivery attempt.
type DeliveryOutcome struct {
	DeviceID  string
	Delivered bool
	Gone      bool
	Pruned    bool
	Err       error
}

// DeliveryReport summarizes a broadcast.
type DeliveryReport struct {
	BroadcastID string `json:"broadcastId"`
	Delivered   int    `json:"delivered"`
	Recipients  int    `json:"recipients"`
	Pruned      int    `json:"pruned"`
	Logged      bool   `json:"logged"`
}
