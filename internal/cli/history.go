package cli

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fmueller/livewhisper/internal/store"
	"github.com/fmueller/livewhisper/internal/transcript"
)

const previewRunes = 60

type historyOptions struct {
	archive string
	limit   int
	srtPath string
}

func newHistoryCmd(app *appState) *cobra.Command {
	opts := &historyOptions{archive: archiveAuto, limit: 20}

	cmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "List archived sessions or print one transcript",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, err := openArchive(opts.archive)
			if err != nil {
				return err
			}
			defer archive.Close()

			if len(args) == 0 {
				return listSessions(cmd, archive, opts.limit)
			}

			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid session id %q", args[0])
			}
			return app.showSession(cmd, archive, id, opts.srtPath)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.archive, "archive", opts.archive, "Archive database written by serve --archive (\"auto\" = default data directory)")
	f.IntVar(&opts.limit, "limit", opts.limit, "Number of sessions to list (0 = all)")
	f.StringVar(&opts.srtPath, "srt", "", "Export the session as SRT captions to this file")

	return cmd
}

func listSessions(cmd *cobra.Command, archive *store.SQLiteStore, limit int) error {
	sessions, err := archive.ListSessions(cmd.Context(), limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no archived sessions")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tAUDIO\tLANG\tTEXT")
	for _, s := range sessions {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			s.ID,
			s.StartedAt.Local().Format("2006-01-02 15:04:05"),
			(time.Duration(s.AudioSeconds * float64(time.Second))).Round(time.Second),
			orDash(s.Language),
			preview(s.Text(), previewRunes),
		)
	}
	return w.Flush()
}

func (a *appState) showSession(cmd *cobra.Command, archive *store.SQLiteStore, id int64, srtPath string) error {
	sess, err := archive.LoadSession(cmd.Context(), id)
	if err != nil {
		return err
	}

	entries := transcript.FromSegments(sess.Segments)
	if srtPath != "" {
		if err := transcript.WriteSRTFile(srtPath, entries); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %d exported to %s\n", sess.ID, srtPath)
		return nil
	}

	fmt.Fprintln(cmd.OutOrStdout(), transcript.JoinText(entries))
	return nil
}

func preview(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n-3]) + "..."
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
