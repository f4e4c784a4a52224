package model

import "time"

type Message struct {
	ID        string    `json:"id" bson:"_id"`
	DeviceID  string    `json:"deviceId" bson:"deviceId"`
	Message   string    `json:"message" bson:"message"`
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
}
