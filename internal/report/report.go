// Package report renders the end-of-build summary and failure triage.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/fentz26/ninjateam/internal/cache"
	"github.com/fentz26/ninjateam/internal/models"
	"github.com/fentz26/ninjateam/internal/scheduler"
)

var (
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	primaryColor = lipgloss.Color("#7C3AED")
)

// Summary is everything the report needs about a finished session.
type Summary struct {
	SessionID string
	Requested models.BuildMode
	Mode      models.BuildMode
	Result    *scheduler.Result
	// Attempts is the full attempt history, used for retry triage.
	Attempts   []models.Attempt
	Exclusions []models.Exclusion
	Cache      *cache.Stats
}

type styles struct {
	title, label, ok, warn, fail, muted lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		title: r.NewStyle().Bold(true).Foreground(primaryColor),
		label: r.NewStyle().Bold(true),
		ok:    r.NewStyle().Foreground(successColor),
		warn:  r.NewStyle().Foreground(warningColor),
		fail:  r.NewStyle().Foreground(errorColor).Bold(true),
		muted: r.NewStyle().Foreground(mutedColor),
	}
}

// Render writes the summary to w. Colour is used only when w is a terminal.
func Render(w io.Writer, s Summary) error {
	st := newStyles(lipgloss.NewRenderer(w))
	var b strings.Builder

	b.WriteString(st.title.Render("Build summary") + "\n")
	mode := string(s.Mode)
	if s.Requested != "" && s.Requested != s.Mode {
		mode = fmt.Sprintf("%s (requested %s)", s.Mode, s.Requested)
	}
	field(&b, st, "Session", s.SessionID)
	field(&b, st, "Mode", mode)

	r := s.Result
	if r == nil {
		r = &scheduler.Result{}
	}
	field(&b, st, "Status", status(st, r))
	field(&b, st, "Units", fmt.Sprintf("%d total, %d completed, %d cached, %d failed, %d blocked, %d skipped",
		r.Total, r.Completed, r.Cached, r.Failed, r.Blocked, r.Skipped))
	field(&b, st, "Wall time", duration(r.Duration))
	if r.AvgUnit > 0 {
		field(&b, st, "Average unit", duration(r.AvgUnit))
	}
	if r.Slowest != "" {
		field(&b, st, "Slowest unit", fmt.Sprintf("%s (%s)", r.Slowest, duration(r.SlowestTime)))
	}
	if r.Completed > 0 {
		field(&b, st, "Cache hits", fmt.Sprintf("%.1f%%", r.CacheHitRatio()*100))
	}
	if s.Cache != nil {
		field(&b, st, "Cache size", fmt.Sprintf("%s of %s in %s entries",
			humanize.Bytes(uint64(s.Cache.Bytes)), humanize.Bytes(uint64(s.Cache.Bound)), humanize.Comma(int64(s.Cache.Entries))))
	}

	if len(r.Agents) > 0 {
		b.WriteString("\n" + st.label.Render("Agents") + "\n")
		for _, a := range r.Agents {
			line := fmt.Sprintf("  %-24s %4d units  busy %s", a.Name, a.Units, duration(a.Busy))
			if a.State == models.AgentUnreachable || a.State == models.AgentFailed {
				line += "  " + st.warn.Render(string(a.State))
			}
			b.WriteString(line + "\n")
		}
	}

	if len(r.CriticalPath) > 0 {
		b.WriteString("\n" + st.label.Render("Critical path") + "\n")
		b.WriteString("  " + st.muted.Render(strings.Join(r.CriticalPath, " -> ")) + "\n")
	}

	writeTriage(&b, st, s, r)

	_, err := io.WriteString(w, b.String())
	return err
}

// writeTriage lists failed units with their retry history and the hosts
// excluded from the fleet.
func writeTriage(b *strings.Builder, st styles, s Summary, r *scheduler.Result) {
	if len(r.Failures) > 0 {
		history := attemptsByUnit(s.Attempts)
		b.WriteString("\n" + st.fail.Render("Failed units") + "\n")
		for _, f := range r.Failures {
			fmt.Fprintf(b, "  %s (%d attempts)\n", f.UnitID, f.Attempts)
			if f.Err != nil {
				fmt.Fprintf(b, "    error: %s\n", firstLine(f.Err.Error()))
			}
			for _, a := range history[f.UnitID] {
				msg := a.Outcome
				if a.Error != "" {
					msg += ": " + firstLine(a.Error)
				}
				b.WriteString(st.muted.Render(fmt.Sprintf("    #%d on %s after %s: %s", a.Number, a.Agent, duration(a.Duration()), msg)) + "\n")
			}
		}
	}
	if len(r.BlockedUnits) > 0 {
		b.WriteString("\n" + st.warn.Render("Blocked by failed dependencies") + "\n")
		for _, id := range r.BlockedUnits {
			b.WriteString("  " + id + "\n")
		}
	}
	if len(s.Exclusions) > 0 {
		b.WriteString("\n" + st.warn.Render("Excluded hosts") + "\n")
		for _, ex := range s.Exclusions {
			fmt.Fprintf(b, "  %-24s %s\n", ex.Host, ex.Reason)
		}
	}
	if r.Aborted && r.AbortReason != "" {
		b.WriteString("\n" + st.fail.Render("Aborted: ") + r.AbortReason + "\n")
	}
}

func field(b *strings.Builder, st styles, name, value string) {
	b.WriteString(st.label.Render(fmt.Sprintf("%-14s", name+":")) + value + "\n")
}

func status(st styles, r *scheduler.Result) string {
	switch {
	case r.Aborted:
		return st.fail.Render("aborted")
	case r.Succeeded():
		return st.ok.Render("succeeded")
	default:
		return st.warn.Render("completed with failures")
	}
}

func attemptsByUnit(attempts []models.Attempt) map[string][]models.Attempt {
	out := make(map[string][]models.Attempt)
	for _, a := range attempts {
		out[a.UnitID] = append(out[a.UnitID], a)
	}
	for _, list := range out {
		sort.SliceStable(list, func(i, j int) bool { return list[i].Number < list[j].Number })
	}
	return out
}

func duration(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(100 * time.Millisecond).String()
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
