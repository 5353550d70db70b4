package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/cuemby/tierd/pkg/api"
	"github.com/cuemby/tierd/pkg/fstab"
	"github.com/cuemby/tierd/pkg/identity"
	"github.com/cuemby/tierd/pkg/storage"
	"github.com/cuemby/tierd/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List block devices and whether tierd would manage them",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDaemon(false)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		type deviceView struct {
			types.BlockDevice `yaml:",inline"`
			Qualifies         bool              `json:"qualifies" yaml:"qualifies"`
			Partitions        []types.Partition `json:"partitions" yaml:"partitions"`
		}
		var views []deviceView
		for _, dev := range d.inv.ListDevices(ctx) {
			views = append(views, deviceView{
				BlockDevice: dev,
				Qualifies:   d.inv.Qualifies(ctx, dev),
				Partitions:  d.inv.PartitionsOf(ctx, dev),
			})
		}

		output, _ := cmd.Flags().GetString("output")
		if output != "table" {
			return printStructured(cmd.OutOrStdout(), output, views)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "DEVICE\tSIZE\tTRANSPORT\tBOOT\tMANAGED\tPARTITIONS")
		for _, v := range views {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%d\n",
				v.Path, fstab.FormatSize(v.SizeBytes), orDash(v.Transport), v.Boot, v.Qualifies, len(v.Partitions))
			for _, p := range v.Partitions {
				fmt.Fprintf(w, "  %s\t%s\t%s\t\t\t%s\n",
					p.Path, orDash(p.FSType), orDash(p.UUID), orDash(p.MountPoint))
			}
		}
		return w.Flush()
	},
}

var assignmentsCmd = &cobra.Command{
	Use:   "assignments",
	Short: "List persisted filesystem UUID to mount path assignments",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := identity.Open(identity.Options{
			Path:      cfg.StorePath,
			MountBase: cfg.MountBase,
			Prefix:    cfg.MountPrefix,
		})
		if err != nil {
			return err
		}
		list := store.Assignments()

		output, _ := cmd.Flags().GetString("output")
		if output != "table" {
			return printStructured(cmd.OutOrStdout(), output, list)
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No assignments")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "UUID\tMOUNT PATH")
		for _, a := range list {
			fmt.Fprintf(w, "%s\t%s\n", a.UUID, a.MountPath)
		}
		return w.Flush()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Show the status document of the running daemon. When the daemon is not
reachable the assignment store and state journal are read directly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		if output == "table" {
			output = "yaml"
		}

		st, err := fetchStatus(cmd.Context(), cfg.StatusAddr)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Daemon not reachable (%v), reading local state\n", err)
			st, err = localStatus()
			if err != nil {
				return err
			}
		}
		return printStructured(cmd.OutOrStdout(), output, st)
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Move every file from the RAM layers to disk now",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDaemon(false)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		// only layers the daemon already mounted are flushed
		ovs, err := d.tier.Inspect(ctx)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", err)
		}
		if len(ovs) == 0 {
			return fmt.Errorf("no managed directories are active")
		}

		stats := d.tier.Flush(ctx)
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Flushed %d files (%s)\n", stats.Files, fstab.FormatSize(stats.Bytes))
		if stats.Failed > 0 {
			return fmt.Errorf("%d files could not be moved", stats.Failed)
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{scanCmd, assignmentsCmd, statusCmd} {
		c.Flags().StringP("output", "o", "table", "Output format (table, json, yaml)")
	}
	rootCmd.AddCommand(scanCmd, assignmentsCmd, statusCmd, flushCmd)
}

func fetchStatus(ctx context.Context, addr string) (*api.StatusResponse, error) {
	if addr == "" {
		return nil, fmt.Errorf("status server disabled")
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status server returned %s", resp.Status)
	}

	var st api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &st, nil
}

// localStatus builds the status document from files on disk
func localStatus() (*api.StatusResponse, error) {
	src := api.Sources{Version: Version}

	store, err := identity.Open(identity.Options{
		Path:      cfg.StorePath,
		MountBase: cfg.MountBase,
		Prefix:    cfg.MountPrefix,
	})
	if err != nil {
		return nil, err
	}
	src.Assignments = store

	if _, err := os.Stat(cfg.JournalPath); err == nil {
		journal, err := storage.OpenReadOnly(cfg.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		defer journal.Close()
		src.History = journal
	}

	st := api.NewStatusServer(src).Status()
	return &st, nil
}

func printStructured(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
