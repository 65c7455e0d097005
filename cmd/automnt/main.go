// automnt supervises long-lived mount-helper processes: starting and
// stopping them on demand, reporting their health, and (in watchdog mode)
// restarting the ones that die.
package main

import (
	goflag "flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/automnt/pkg/config"
	"git.srvlab.io/whiskey/automnt/pkg/health"
	"git.srvlab.io/whiskey/automnt/pkg/launcher"
	"git.srvlab.io/whiskey/automnt/pkg/state"
	"git.srvlab.io/whiskey/automnt/pkg/supervisor"
)

// version is set at build time via -ldflags.
var version = "dev"

var (
	configPath string
	mountsPath string
	statePath  string
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "automnt",
		Short:         "Supervisor for external mount-helper processes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	klogFlags := goflag.NewFlagSet("klog", goflag.ExitOnError)
	klog.InitFlags(klogFlags)
	root.PersistentFlags().AddGoFlagSet(klogFlags)

	root.PersistentFlags().StringVar(&configPath, "config", defaultPath("config.json"), "Path to the global config file")
	root.PersistentFlags().StringVar(&mountsPath, "mounts", defaultPath("mounts.json"), "Path to the mount definitions file")
	root.PersistentFlags().StringVar(&statePath, "state-file", defaultPath("state.json"), "Path to the runtime state file")

	root.AddCommand(
		newStartCommand(),
		newStopCommand(),
		newStatusCommand(),
		newWatchdogCommand(),
		newImportCommand(),
		newVersionCommand(),
	)
	return root
}

// defaultPath places a file under ~/.config/automnt. Falls back to the
// working directory if the home directory cannot be determined.
func defaultPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".config", "automnt", name)
}

// system bundles the wired components every command needs.
type system struct {
	registry   *config.Registry
	store      *state.Store
	leases     *state.LeaseManager
	launcher   launcher.Launcher
	checker    health.Checker
	supervisor *supervisor.Supervisor
}

func loadSystem() (*system, error) {
	registry, err := config.Load(configPath, mountsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	global := registry.Global()
	store := state.NewStore(statePath)
	// Lock files live next to the state file so every automnt process
	// contends on the same leases
	leases := state.NewLeaseManager(filepath.Join(filepath.Dir(statePath), "locks"))
	l := launcher.New(global.HelperCommand, global.TerminationGrace())
	checker := health.NewChecker(global.HelperCommand, global.ProbeTimeout())

	return &system{
		registry:   registry,
		store:      store,
		leases:     leases,
		launcher:   l,
		checker:    checker,
		supervisor: supervisor.New(registry, store, leases, l, checker),
	}, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the automnt version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("automnt %s\n", version)
		},
	}
}
