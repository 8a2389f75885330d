package models

import "time"

const (
	ModeShared   = "shared"
	ModeAssigned = "assigned"

	StatusOnline  = "online"
	StatusOffline = "offline"

	DefaultAutoShuffleInterval = 300
)

type Hub struct {
	ID                  string    `json:"id"`
	MachineID           string    `json:"machine_id"`
	FriendlyName        string    `json:"friendly_name"`
	Mode                string    `json:"mode"`
	Status              string    `json:"status"`
	LastSeen            time.Time `json:"last_seen"`
	ShowScriptNames     bool      `json:"show_script_names"`
	AutoShuffleEnabled  bool      `json:"auto_shuffle_enabled"`
	AutoShuffleInterval int       `json:"auto_shuffle_interval"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// HubScript is one row of the hub -> script association table.
type HubScript struct {
	HubID        string `json:"hub_id"`
	ScriptName   string `json:"script_name"`
	FriendlyName string `json:"friendly_name"`
}

// Assignment maps a remote to the single script it may trigger in assigned mode.
type Assignment struct {
	HubID          string    `json:"hub_id"`
	UserID         string    `json:"user_id"`
	AssignedScript string    `json:"assigned_script"`
	ScriptColor    string    `json:"script_color"`
	LastSeen       time.Time `json:"last_seen"`
}

func ValidMode(mode string) bool {
	return mode == ModeShared || mode == ModeAssigned
}
