package model

import (
	"strings"
	"time"
)

// SalonConfig is the persisted configuration row for a salon. It holds the
// config-fixed attributes only; runtime state (queue, holds, deploys) lives
// in the coordination engine and is never persisted.
type SalonConfig struct {
	// Name is the channel name without the leading '#'.
	Name string `json:"name"`

	// ConchEmoji is the display string used when rendering the conch
	// holder in topics and notices, e.g. ":shell:".
	ConchEmoji string `json:"conch_emoji"`

	// DeployHoursStart is the local time of day deploys open, "HH:MM".
	DeployHoursStart string `json:"deploy_hours_start"`

	// DeployHoursEnd is the local time of day deploys close, "HH:MM".
	DeployHoursEnd string `json:"deploy_hours_end"`

	// TZ is the IANA zone name the deploy hours are expressed in.
	TZ string `json:"tz"`

	// AllowDeploys controls whether this salon accepts deploys at all.
	AllowDeploys bool `json:"allow_deploys"`

	// AfterHoursMessage, when set, replaces the default after-hours
	// topic phrasing.
	AfterHoursMessage string `json:"after_hours_message,omitempty"`
}

// Channel returns the chat channel for this salon.
func (c SalonConfig) Channel() string {
	return "#" + c.Name
}

// Repository is a repository assigned to a salon. Rows are consumed by the
// coordination engine but owned by the configuration store.
type Repository struct {
	// Name is the full repository name, "org/repo".
	Name string `json:"name"`

	// Salon is the name of the owning salon.
	Salon string `json:"salon"`

	// Branches is a comma-separated branch filter; empty means "master".
	Branches string `json:"branches,omitempty"`

	// Format and BundledFormat are the message format strings used when
	// announcing commits for this repository.
	Format        string `json:"format,omitempty"`
	BundledFormat string `json:"bundled_format,omitempty"`
}

// Channel returns the chat channel of the owning salon.
func (r Repository) Channel() string {
	return "#" + r.Salon
}

// BranchList returns the branch filter as a slice, defaulting to master.
func (r Repository) BranchList() []string {
	if r.Branches == "" {
		return []string{"master"}
	}
	return strings.Split(r.Branches, ",")
}

// DeployBeginRequest is the pipeline callback announcing a new deploy.
type DeployBeginRequest struct {
	Salon     string `json:"salon"`
	ID        string `json:"id"`
	Who       string `json:"who"`
	Args      string `json:"args"`
	LogPath   string `json:"log_path"`
	HostCount int    `json:"count"`
}

// DeployProgressRequest is the pipeline callback reporting host progress.
type DeployProgressRequest struct {
	Salon string `json:"salon"`
	ID    string `json:"id"`
	Host  string `json:"host"`
	Index int    `json:"index"`
}

// DeployErrorRequest is the pipeline callback reporting a non-fatal error.
type DeployErrorRequest struct {
	Salon string `json:"salon"`
	ID    string `json:"id"`
	Error string `json:"error"`
}

// DeployEndRequest is the pipeline callback announcing completion.
type DeployEndRequest struct {
	Salon       string   `json:"salon"`
	ID          string   `json:"id"`
	FailedHosts []string `json:"failed_hosts,omitempty"`
}

// DeployAbortRequest is the pipeline callback announcing an abort.
type DeployAbortRequest struct {
	Salon  string `json:"salon"`
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// SalonStatusResponse is returned by the signed status endpoint.
type SalonStatusResponse struct {
	// TimeStatus is the current admission status: after_hours,
	// work_time, or cleanup_time.
	TimeStatus string `json:"time_status"`

	// Busy is true while the salon has at least one live deploy.
	Busy bool `json:"busy"`

	// Hold is the current hold reason, or empty when clear.
	Hold string `json:"hold,omitempty"`
}

// HoldRequest is the admin request to suspend deploys.
type HoldRequest struct {
	Salon  string `json:"salon,omitempty"`
	Type   string `json:"type,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ChatCommandRequest is an inbound chat line relayed over HTTP.
type ChatCommandRequest struct {
	// Channel is the chat channel the line was said in, with the '#'.
	Channel string `json:"channel"`

	// Sender is the transport identity of the speaker, e.g.
	// "alice!alice@host".
	Sender string `json:"sender"`

	// Message is the command line itself.
	Message string `json:"message"`
}

// AnnouncementRequest is the admin request to broadcast a message.
type AnnouncementRequest struct {
	Message string `json:"message"`
}

// SalonNamesResponse lists every configured salon.
type SalonNamesResponse struct {
	Salons []string `json:"salons"`
}

// APIResponse is the generic response for admin and callback endpoints.
type APIResponse struct {
	// Status is "ok" for successful operations, "error" otherwise.
	Status string `json:"status"`

	// Message provides additional context about the operation result.
	Message string `json:"message,omitempty"`
}

// DeploySnapshot is a read-only view of a live deploy, used by the status
// command and the status endpoint.
type DeploySnapshot struct {
	ID         string    `json:"id"`
	Who        string    `json:"who"`
	When       time.Time `json:"when"`
	Args       string    `json:"args"`
	LogPath    string    `json:"log_path"`
	HostCount  int       `json:"host_count"`
	Completion int       `json:"completion"`
	Where      string    `json:"where,omitempty"`
}
