package models

import (
	"encoding/json"
	"time"
)

const (
	CommandPending   = "pending"
	CommandExecuting = "executing"
	CommandCompleted = "completed"
	CommandFailed    = "failed"
)

type Command struct {
	ID         string    `json:"id"`
	HubID      string    `json:"hub_id"`
	ScriptName string    `json:"script_name"`
	UserID     string    `json:"user_id"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Terminal reports whether the command has reached completed or failed.
func (c *Command) Terminal() bool {
	return c.Status == CommandCompleted || c.Status == CommandFailed
}

type CommandResult struct {
	ID         int64           `json:"id"`
	CommandID  string          `json:"command_id"`
	ExitCode   int             `json:"exit_code"`
	Stdout     string          `json:"stdout"`
	Stderr     string          `json:"stderr"`
	Success    bool            `json:"success"`
	DurationMS int64           `json:"duration_ms"`
	Result     json.RawMessage `json:"result,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ResultDetail is the structured blob stored alongside each result row.
type ResultDetail struct {
	Success    bool   `json:"success"`
	Output     string `json:"output"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	ExitCode   int    `json:"exit_code"`
	ScriptName string `json:"script_name"`
	UserID     string `json:"user_id"`
	TimedOut   bool   `json:"timed_out,omitempty"`
}
