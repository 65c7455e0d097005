package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/automnt/pkg/health"
	"git.srvlab.io/whiskey/automnt/pkg/importer"
	"git.srvlab.io/whiskey/automnt/pkg/observability"
	"git.srvlab.io/whiskey/automnt/pkg/supervisor"
	"git.srvlab.io/whiskey/automnt/pkg/watchdog"
)

func newStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start <name>... | all",
		Short: "Start the named mounts (or every enabled mount)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := loadSystem()
			if err != nil {
				return err
			}

			names := args
			if isAll(args) {
				names = sys.registry.ListNames(true)
				if len(names) == 0 {
					fmt.Println("No enabled mounts defined")
					return nil
				}
			}

			results := sys.supervisor.Start(cmd.Context(), names)
			return reportResults("start", results)
		},
	}
}

func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <name>... | all",
		Short: "Stop the named mounts (or every running mount)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := loadSystem()
			if err != nil {
				return err
			}

			names := args
			if isAll(args) {
				records, err := sys.store.List()
				if err != nil {
					return err
				}
				if len(records) == 0 {
					fmt.Println("No mounts running")
					return nil
				}
				names = make([]string, 0, len(records))
				for name := range records {
					names = append(names, name)
				}
				sort.Strings(names)
			}

			results := sys.supervisor.Stop(cmd.Context(), names)
			return reportResults("stop", results)
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [name]...",
		Short: "Show mount status (all defined mounts when no names are given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := loadSystem()
			if err != nil {
				return err
			}

			infos := sys.supervisor.Status(cmd.Context(), args)
			renderStatus(infos)

			for _, info := range infos {
				if info.Err != nil {
					return fmt.Errorf("status of mount %q failed: %w", info.Name, info.Err)
				}
			}
			return nil
		},
	}
}

func newWatchdogCommand() *cobra.Command {
	var metricsAddress string
	var once bool

	cmd := &cobra.Command{
		Use:   "watchdog",
		Short: "Run the supervision loop: health checks, restarts and orphan cleanup",
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := loadSystem()
			if err != nil {
				return err
			}
			global := sys.registry.Global()

			cfg := watchdog.Config{
				Registry:     sys.registry,
				Store:        sys.store,
				Leases:       sys.leases,
				Supervisor:   sys.supervisor,
				Checker:      sys.checker,
				Launcher:     sys.launcher,
				Observe:      health.NewObserver(global.MountBaseDir, global.HelperCommand),
				Interval:     global.WatchdogInterval(),
				RetryCeiling: global.RetryCeiling,
			}

			if metricsAddress != "" {
				metrics := observability.NewMetrics()
				sys.supervisor.SetMetrics(metrics)
				cfg.Metrics = metrics
				srv := metrics.Serve(metricsAddress)
				defer srv.Close()
			}

			w, err := watchdog.New(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if once {
				w.Pass(ctx)
				return nil
			}

			w.Start(ctx)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			klog.Infof("Received %v, shutting down", sig)

			cancel()
			w.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&metricsAddress, "metrics-address", "", "Address to serve Prometheus metrics on (disabled when empty)")
	cmd.Flags().BoolVar(&once, "once", false, "Run a single supervision pass and exit")
	return cmd
}

func newImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import",
		Short: "Import mount definitions from the helper's configured remotes",
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := loadSystem()
			if err != nil {
				return err
			}

			imp := importer.New(sys.registry, sys.registry.Global().HelperCommand)
			res, err := imp.Run(cmd.Context())
			if err != nil {
				return err
			}

			for _, name := range res.Imported {
				fmt.Printf("Imported mount %q\n", name)
			}
			fmt.Printf("%d imported, %d already defined\n", len(res.Imported), res.Skipped)
			return nil
		},
	}
}

func isAll(args []string) bool {
	return len(args) == 1 && args[0] == "all"
}

// reportResults prints per-mount outcomes and returns an error if any mount
// in the batch failed, so the process exits non-zero.
func reportResults(operation string, results []supervisor.Result) error {
	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "%s %s: %v\n", operation, res.Name, res.Err)
			continue
		}
		fmt.Printf("%s %s: ok\n", operation, res.Name)
	}
	if failed > 0 {
		return fmt.Errorf("%s failed for %d of %d mounts", operation, failed, len(results))
	}
	return nil
}

func renderStatus(infos []supervisor.StatusInfo) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Name", "State", "PID", "Mount Point", "Uptime", "Detail"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)

	for _, info := range infos {
		pid, uptime := "-", "-"
		if info.PID != 0 {
			pid = strconv.Itoa(info.PID)
		}
		if !info.StartedAt.IsZero() {
			uptime = time.Since(info.StartedAt).Round(time.Second).String()
		}
		detail := info.Reason
		if info.Err != nil {
			detail = info.Err.Error()
		}
		table.Append([]string{info.Name, string(info.State), pid, info.MountPoint, uptime, detail})
	}
	table.Render()
}
