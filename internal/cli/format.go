package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/metorial/prankhub/internal/models"
	"github.com/metorial/prankhub/internal/presence"
	"github.com/metorial/prankhub/internal/registry"
)

func FormatJSON(w io.Writer, data interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func FormatHubsTable(w io.Writer, hubs []models.Hub) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tNAME\tMODE\tSTATUS\tAUTO SHUFFLE\tLAST SEEN")

	for _, h := range hubs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			h.ID,
			h.FriendlyName,
			h.Mode,
			h.Status,
			formatShuffle(h),
			formatTime(h.LastSeen),
		)
	}

	return tw.Flush()
}

func FormatHubDetail(w io.Writer, detail *HubDetail) error {
	h := detail.Hub
	fmt.Fprintf(w, "Hub: %s\n", h.FriendlyName)
	fmt.Fprintf(w, "ID: %s\n", h.ID)
	fmt.Fprintf(w, "Machine ID: %s\n", h.MachineID)
	fmt.Fprintf(w, "Mode: %s\n", h.Mode)
	fmt.Fprintf(w, "Status: %s\n", h.Status)
	fmt.Fprintf(w, "Auto Shuffle: %s\n", formatShuffle(*h))
	fmt.Fprintf(w, "Last Seen: %s\n", formatTime(h.LastSeen))
	fmt.Fprintln(w)

	if len(detail.Scripts) == 0 {
		fmt.Fprintln(w, "No scripts published")
		return nil
	}

	fmt.Fprintf(w, "Scripts (%d):\n\n", len(detail.Scripts))

	tw := newTable(w)
	fmt.Fprintln(tw, "SCRIPT\tFRIENDLY NAME")
	for _, s := range detail.Scripts {
		fmt.Fprintf(tw, "%s\t%s\n", s.ScriptName, s.FriendlyName)
	}
	return tw.Flush()
}

func FormatOnlineTable(w io.Writer, hubs []presence.OnlineHub) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "HUB ID\tNAME\tMODE\tSCRIPTS\tADDRESS\tONLINE SINCE")

	for _, h := range hubs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			h.HubID,
			h.FriendlyName,
			h.Mode,
			len(h.Scripts),
			h.Address,
			formatTime(h.OnlineAt),
		)
	}

	return tw.Flush()
}

func FormatScriptsTable(w io.Writer, scripts []registry.Script) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "NAME\tFRIENDLY NAME\tENTRY\tDEPS")

	for _, s := range scripts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			s.Name,
			s.FriendlyName,
			s.Name+"."+s.Ext,
			formatDeps(s),
		)
	}

	return tw.Flush()
}

func FormatAssignmentsTable(w io.Writer, assignments []models.Assignment) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "USER\tSCRIPT\tCOLOR\tLAST SEEN")

	for _, a := range assignments {
		script := a.AssignedScript
		if script == "" {
			script = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			a.UserID,
			script,
			a.ScriptColor,
			formatTime(a.LastSeen),
		)
	}

	return tw.Flush()
}

func FormatResult(w io.Writer, cmd *models.Command, res *models.CommandResult) error {
	fmt.Fprintf(w, "Command: %s\n", cmd.ID)
	fmt.Fprintf(w, "Script: %s\n", cmd.ScriptName)
	fmt.Fprintf(w, "Status: %s\n", cmd.Status)

	if res == nil {
		fmt.Fprintln(w, "No result recorded")
		return nil
	}

	fmt.Fprintf(w, "Exit Code: %d\n", res.ExitCode)
	fmt.Fprintf(w, "Duration: %s\n", formatDurationMS(res.DurationMS))

	if out := strings.TrimSpace(res.Stdout); out != "" {
		fmt.Fprintf(w, "\nStdout:\n%s\n", out)
	}
	if errOut := strings.TrimSpace(res.Stderr); errOut != "" {
		fmt.Fprintf(w, "\nStderr:\n%s\n", errOut)
	}
	return nil
}

func formatShuffle(h models.Hub) string {
	if !h.AutoShuffleEnabled {
		return "off"
	}
	return fmt.Sprintf("every %ds", h.AutoShuffleInterval)
}

func formatDeps(s registry.Script) string {
	switch {
	case !s.HasPyproject && !s.HasInlineDeps:
		return "-"
	case s.DependenciesReady:
		return "ready"
	default:
		return "not ready"
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatDurationMS(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	if d < time.Second {
		return fmt.Sprintf("%dms", ms)
	}
	return d.Round(10 * time.Millisecond).String()
}
