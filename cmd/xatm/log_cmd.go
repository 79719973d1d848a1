package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/xatm"
	"pkt.systems/xatm/internal/tmlog"
)

func newLogCommand(logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect a transaction log offline",
	}
	cmd.AddCommand(newLogDumpCommand(logger))
	return cmd
}

func newLogDumpCommand(logger pslog.Logger) *cobra.Command {
	var (
		logURL string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the live entries of a transaction log (the server must not hold a disk log open)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := xatm.Config{Log: logURL}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx := cmd.Context()
			txLog, err := xatm.OpenLog(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			defer txLog.Close()
			entries, err := txLog.Replay(ctx)
			if err != nil {
				return fmt.Errorf("replay %s: %w", logURL, err)
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				for _, e := range entries {
					if err := enc.Encode(e); err != nil {
						return err
					}
				}
				return nil
			}
			return renderLogEntries(out, entries, time.Now())
		},
	}
	cmd.Flags().StringVar(&logURL, "txlog", "", "transaction log URL (disk:///path, s3://..., azure://...)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON entry per line")
	_ = cmd.MarkFlagRequired("txlog")
	return cmd
}

func renderLogEntries(w io.Writer, entries []tmlog.Entry, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tGTRID\tXID\tOWNER\tBRANCHES\tWRITTEN")
	for _, e := range entries {
		var branches []string
		for _, br := range e.Branches {
			ids := make([]string, 0, len(br.Resources))
			for _, id := range br.Resources {
				ids = append(ids, fmt.Sprint(int(id)))
			}
			branches = append(branches, br.TRID.String()+"["+strings.Join(ids, ",")+"]")
		}
		owner := "-"
		if !e.Owner.IsZero() {
			owner = e.Owner.Endpoint
			if e.Owner.PID > 0 {
				owner = fmt.Sprintf("pid %d %s", e.Owner.PID, e.Owner.Endpoint)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Kind, e.GTRID, e.XID, strings.TrimSpace(owner), strings.Join(branches, " "),
			humanize.RelTime(e.Timestamp, now, "ago", "from now"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%s live %s\n", humanize.Comma(int64(len(entries))), plural(len(entries), "entry", "entries"))
	return err
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
