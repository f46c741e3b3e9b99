package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/fentz26/ninjateam/internal/models"
	"github.com/fentz26/ninjateam/internal/store"
)

var historyCmd = &cobra.Command{
	Use:   "history [session-id]",
	Short: "List past build sessions, or show one in detail",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

var historyLimit int

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of sessions to list")
}

func runHistory(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if len(args) == 0 {
		sessions, err := st.ListSessions(historyLimit)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		printSessions(os.Stdout, sessions, time.Now())
		return nil
	}
	return showSession(os.Stdout, st, args[0])
}

func printSessions(out io.Writer, sessions []models.Session, now time.Time) {
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions recorded")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODE\tSTATUS\tSTARTED\tDURATION\tSUMMARY")
	for _, s := range sessions {
		dur := "-"
		if s.EndedAt != nil {
			dur = s.EndedAt.Sub(s.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(s.ID), s.Mode, s.Status, humanize.RelTime(s.StartedAt, now, "ago", "from now"), dur, s.Summary)
	}
	w.Flush()
}

func showSession(out io.Writer, st *store.Store, id string) error {
	sess, err := findSession(st, id)
	if err != nil {
		return err
	}
	id = sess.ID

	fmt.Fprintf(out, "Session:  %s\n", sess.ID)
	fmt.Fprintf(out, "Mode:     %s\n", sess.Mode)
	fmt.Fprintf(out, "Status:   %s\n", sess.Status)
	fmt.Fprintf(out, "Started:  %s\n", sess.StartedAt.Local().Format(time.RFC3339))
	if sess.Summary != "" {
		fmt.Fprintf(out, "Summary:  %s\n", sess.Summary)
	}

	exclusions, err := st.ListExclusions(id)
	if err != nil {
		return fmt.Errorf("list exclusions: %w", err)
	}
	if len(exclusions) > 0 {
		fmt.Fprintln(out, "\nExcluded hosts:")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, ex := range exclusions {
			fmt.Fprintf(w, "  %s\t%s\n", ex.Host, ex.Reason)
		}
		w.Flush()
	}

	decisions, err := st.ListDecisions(id)
	if err != nil {
		return fmt.Errorf("list decisions: %w", err)
	}
	if len(decisions) > 0 {
		fmt.Fprintln(out, "\nDecisions:")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, d := range decisions {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", d.Timestamp.Local().Format("15:04:05"), d.Action, d.Outcome, d.Details)
		}
		w.Flush()
	}

	attempts, err := st.ListAttempts(id)
	if err != nil {
		return fmt.Errorf("list attempts: %w", err)
	}
	fmt.Fprintf(out, "\nAttempts (%d):\n", len(attempts))
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  UNIT\tAGENT\t#\tOUTCOME\tDURATION\tERROR")
	for _, a := range attempts {
		fmt.Fprintf(w, "  %s\t%s\t%d\t%s\t%s\t%s\n",
			a.UnitID, a.Agent, a.Number, a.Outcome, a.Duration().Round(time.Millisecond), truncate(a.Error, 60))
	}
	w.Flush()
	return nil
}

// findSession looks id up exactly, then as a unique prefix of a recent
// session ID as printed by the listing.
func findSession(st *store.Store, id string) (*models.Session, error) {
	sess, err := st.GetSession(id)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess != nil {
		return sess, nil
	}
	recent, err := st.ListSessions(1000)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var match *models.Session
	for i := range recent {
		if strings.HasPrefix(recent[i].ID, id) {
			if match != nil {
				return nil, usageError(fmt.Errorf("session prefix %s is ambiguous", id))
			}
			match = &recent[i]
		}
	}
	if match == nil {
		return nil, usageError(fmt.Errorf("session %s not found", id))
	}
	return match, nil
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
