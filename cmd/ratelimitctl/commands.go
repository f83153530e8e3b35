package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"form-gateway/middleware/ratelimit"
	"form-gateway/middleware/ratelimit/domain"
)

func newCheckCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "check <ip>",
		Short: "Registra um envio para o IP e mostra o veredito (consome uma vaga se permitido)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(ctxOf(cmd))
			if err != nil {
				return err
			}
			defer s.close()

			id := domain.Identity(ratelimit.NormalizeIdentity(args[0]))
			v, err := s.limiter.CheckAndRecord(ctxOf(cmd), id)
			if err != nil {
				return err
			}
			renderVerdict(cmd.OutOrStdout(), id, v)
			return nil
		},
	}
}

func newDumpCmd(open opener) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Mostra o estado persistido (table, json ou yaml)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := open(ctxOf(cmd))
			if err != nil {
				return err
			}
			defer s.close()

			snap, err := s.limiter.Inspect(ctxOf(cmd))
			if err != nil {
				return err
			}
			p := s.limiter.EffectivePolicy()
			return renderDump(cmd.OutOrStdout(), format, buildDump(snap, domain.SystemClock{}.Now(), p.WindowSeconds()))
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "table", "table, json ou yaml")
	return cmd
}

func newSweepCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove todos os IPs sem envios dentro da janela",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := open(ctxOf(cmd))
			if err != nil {
				return err
			}
			defer s.close()

			removed, err := s.limiter.Sweep(ctxOf(cmd))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %d identities\n", removed)
			return nil
		},
	}
}

func newForgetCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "forget <ip>",
		Short: "Apaga o histórico de um IP (libera o envio imediatamente)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(ctxOf(cmd))
			if err != nil {
				return err
			}
			defer s.close()

			id := domain.Identity(ratelimit.NormalizeIdentity(args[0]))
			found, err := s.limiter.Forget(ctxOf(cmd), id)
			if err != nil {
				return err
			}
			if !found {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: nothing recorded\n", id)
				return nil
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: forgotten\n", id)
			return nil
		},
	}
}

func renderVerdict(w io.Writer, id domain.Identity, v domain.Verdict) {
	if v.Allowed {
		_, _ = fmt.Fprintf(w, "%s: allowed (remaining %d)\n", id, v.Remaining)
		return
	}
	_, _ = fmt.Fprintf(w, "%s: denied (retry after %s)\n", id, v.RetryAfter)
}

type dumpEntry struct {
	Identity   string  `json:"identity" yaml:"identity"`
	Live       int     `json:"live" yaml:"live"`
	Timestamps []int64 `json:"timestamps" yaml:"timestamps"`
}

// buildDump ordena por identity e conta quantos timestamps ainda estão na janela em now.
func buildDump(snap domain.Snapshot, now, window domain.Timestamp) []dumpEntry {
	out := make([]dumpEntry, 0, len(snap))
	for id, ts := range snap {
		e := dumpEntry{Identity: string(id), Timestamps: make([]int64, len(ts))}
		for i, t := range ts {
			e.Timestamps[i] = int64(t)
			if now-t <= window {
				e.Live++
			}
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

func renderDump(w io.Writer, format string, entries []dumpEntry) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(entries); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
		renderDumpTable(w, entries)
		return nil
	}
	return fmt.Errorf("unknown format %q (want table, json or yaml)", format)
}

func renderDumpTable(w io.Writer, entries []dumpEntry) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Identity", "Live", "Total", "Oldest", "Newest"})

	for _, e := range entries {
		oldest, newest := "-", "-"
		if n := len(e.Timestamps); n > 0 {
			lo, hi := e.Timestamps[0], e.Timestamps[0]
			for _, ts := range e.Timestamps[1:] {
				lo, hi = min(lo, ts), max(hi, ts)
			}
			oldest = formatUnix(lo)
			newest = formatUnix(hi)
		}
		t.AppendRow(table.Row{e.Identity, e.Live, len(e.Timestamps), oldest, newest})
	}
	t.AppendFooter(table.Row{"", "", fmt.Sprintf("%d identities", len(entries)), "", ""})
	t.Render()
}

func formatUnix(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}

func ctxOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
