package models

import (
	"strings"
)

// Class selects which of a ride's two sub-queues a user waits in.
type Class string

const (
	ClassPremium Class = "PREMIUM"
	ClassGeneral Class = "GENERAL"
)

// Classes lists the sub-queues in dispatch order.
var Classes = []Class{ClassPremium, ClassGeneral}

// NormalizeClass trims and uppercases a ticket type. Anything other than
// PREMIUM, including the empty string, is GENERAL.
func NormalizeClass(ticketType string) Class {
	if strings.ToUpper(strings.TrimSpace(ticketType)) == string(ClassPremium) {
		return ClassPremium
	}
	return ClassGeneral
}

// ParseClass is the strict variant used when reading stored index entries.
func ParseClass(s string) (Class, bool) {
	switch Class(s) {
	case ClassPremium:
		return ClassPremium, true
	case ClassGeneral:
		return ClassGeneral, true
	}
	return "", false
}

func (c Class) String() string {
	return string(c)
}

type ReadinessStatus string

const (
	StatusReady       ReadinessStatus = "READY"
	StatusAlmostReady ReadinessStatus = "ALMOST_READY"
)

// EnqueueResult is returned by enrollment and single status reads.
type EnqueueResult struct {
	Position             int64 `json:"position"`
	EstimatedWaitMinutes int64 `json:"estimatedWaitMinutes"`
}

type QueueStatusItem struct {
	RideID               int64 `json:"rideId"`
	TicketType           Class `json:"ticketType"`
	Position             int64 `json:"position"`
	EstimatedWaitMinutes int64 `json:"estimatedWaitMinutes"`
}

type QueueStatusList struct {
	UserID int64             `json:"userId"`
	Items  []QueueStatusItem `json:"items"`
}

type RideWaitTime struct {
	TicketType           Class `json:"ticketType"`
	WaitingCount         int64 `json:"waitingCount"`
	EstimatedWaitMinutes int64 `json:"estimatedWaitMinutes"`
}

type RideQueueInfo struct {
	RideID    int64          `json:"rideId"`
	WaitTimes []RideWaitTime `json:"waitTimes"`
}

type RideQueueInfoList struct {
	Rides []RideQueueInfo `json:"rides"`
}
