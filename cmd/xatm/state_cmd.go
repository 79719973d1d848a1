package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/xatm/api"
	"pkt.systems/xatm/internal/message"
	"pkt.systems/xatm/internal/version"
)

func newStateCommand() *cobra.Command {
	var (
		server  string
		timeout time.Duration
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show transactions, resources and counters of a running manager",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
			st, raw, err := fetchState(cmd, client, server)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				_, err := out.Write(raw)
				return err
			}
			return renderState(out, st, time.Now())
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&server, "server", "s", "http://127.0.0.1:7420", "base URL of the xatm server")
	flags.DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	flags.BoolVar(&asJSON, "json", false, "print the raw JSON snapshot")
	return cmd
}

func fetchState(cmd *cobra.Command, client *http.Client, server string) (message.State, []byte, error) {
	url := strings.TrimRight(server, "/") + "/v1/admin/state"
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return message.State{}, nil, err
	}
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := client.Do(req)
	if err != nil {
		return message.State{}, nil, fmt.Errorf("fetch state: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return message.State{}, nil, fmt.Errorf("read state: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr api.ErrorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.ErrorCode != "" {
			return message.State{}, nil, fmt.Errorf("fetch state: %s: %s", apiErr.ErrorCode, apiErr.Detail)
		}
		return message.State{}, nil, fmt.Errorf("fetch state: unexpected status %s", resp.Status)
	}
	var st message.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return message.State{}, nil, fmt.Errorf("decode state: %w", err)
	}
	return st, raw, nil
}

func renderState(w io.Writer, st message.State, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ready:\t%v\n", st.Ready)
	c := st.Counters
	fmt.Fprintf(tw, "transactions:\t%s begun, %s committed, %s rolled back, %s read-only, %s recovered\n",
		humanize.Comma(int64(c.Begun)), humanize.Comma(int64(c.Committed)), humanize.Comma(int64(c.RolledBack)),
		humanize.Comma(int64(c.ReadOnly)), humanize.Comma(int64(c.Recovered)))
	lastSync := "never"
	if !st.Log.LastSync.IsZero() {
		lastSync = humanize.RelTime(st.Log.LastSync, now, "ago", "from now")
	}
	fmt.Fprintf(tw, "log:\t%s, %s appended, %s live, last sync %s\n",
		st.Log.Backend, humanize.Comma(st.Log.Appended), humanize.Comma(st.Log.Live), lastSync)
	fmt.Fprintf(tw, "pending:\t%d\n", st.Pending.Total)
	fmt.Fprintf(tw, "persistent:\t%d replies, %d requests\n", st.PersistentReplies, st.PersistentRequests)
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(st.Resources) > 0 {
		fmt.Fprintln(w)
		tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RMID\tKEY\tINSTANCES\tIDLE\tREQUESTS\tAVG ROUNDTRIP")
		for _, rs := range st.Resources {
			idle := 0
			for _, inst := range rs.Instances {
				if inst.State == "idle" {
					idle++
				}
			}
			fmt.Fprintf(tw, "%d\t%s\t%d/%d\t%d\t%s\t%s\n",
				rs.ID, rs.Key, len(rs.Instances), rs.Concurrency, idle,
				humanize.Comma(int64(rs.Metrics.Roundtrip.Count)), rs.Metrics.Roundtrip.Average())
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(st.Transactions) > 0 {
		txs := append([]message.TransactionState(nil), st.Transactions...)
		sort.Slice(txs, func(i, j int) bool { return txs[i].Started.Before(txs[j].Started) })
		fmt.Fprintln(w)
		tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TRID\tSTAGE\tSTARTED\tDEADLINE\tRESOURCES")
		for _, tx := range txs {
			deadline := "-"
			if !tx.Deadline.IsZero() {
				deadline = humanize.RelTime(tx.Deadline, now, "ago", "from now")
			}
			var ids []string
			for _, br := range tx.Branches {
				for _, res := range br.Resources {
					ids = append(ids, fmt.Sprintf("%d:%s", res.ID, res.Code))
				}
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				tx.TRID, tx.Stage, humanize.RelTime(tx.Started, now, "ago", "from now"), deadline, strings.Join(ids, " "))
		}
		return tw.Flush()
	}
	return nil
}
