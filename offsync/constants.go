// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

// ActionType is the kind of mutation recorded in the pending-action queue
type ActionType string

// Action type constants
const (
	ActionCreate ActionType = "create"
	ActionUpdate ActionType = "update"
	ActionDelete ActionType = "delete"
)

// Valid reports whether t is one of the known action types
func (t ActionType) Valid() bool {
	switch t {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	default:
		return false
	}
}

// Tables with typed payloads registered by default
const (
	TableRoutes      = "routes"
	TableCrewMembers = "crew_members"
	TableVessels     = "vessels"
	TableJobs        = "jobs"
)

// Connection quality reported by the connectivity monitor
type Quality string

// Quality constants
const (
	QualityOnlineFast Quality = "online-fast"
	QualityOnlineSlow Quality = "online-slow"
	QualityOffline    Quality = "offline"
)

// IDField is the payload key holding a record identifier
const IDField = "id"
