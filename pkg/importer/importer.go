// Package importer seeds mount definitions from the helper's configured
// remotes, so a fresh install does not start from an empty mounts file.
package importer

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/automnt/pkg/config"
)

// Result summarizes one import run.
type Result struct {
	// Imported lists the names of newly added definitions, in helper order.
	Imported []string

	// Skipped counts remotes that already had a definition.
	Skipped int
}

// Importer discovers remotes via the mount helper and appends definitions
// for the ones the registry does not know yet.
type Importer struct {
	registry *config.Registry
	helper   string

	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// New creates an Importer using the given helper executable.
func New(registry *config.Registry, helper string) *Importer {
	return &Importer{
		registry:    registry,
		helper:      helper,
		execCommand: exec.CommandContext,
	}
}

// Run lists the helper's remotes and adds a definition for each remote the
// registry does not already have. New definitions carry no overrides, so the
// global defaults apply; the mount path derives from the name at resolve
// time. The registry is saved only if something was added.
func (i *Importer) Run(ctx context.Context) (*Result, error) {
	out, err := i.execCommand(ctx, i.helper, "listremotes", "--long").CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%s listremotes failed: %v, output: %s", i.helper, err, strings.TrimSpace(string(out)))
	}

	res := &Result{}
	for _, line := range strings.Split(string(out), "\n") {
		remoteName, remoteType, ok := parseRemoteLine(line)
		if !ok {
			continue
		}

		name := strings.TrimSuffix(remoteName, ":")
		def := config.MountDefinition{
			Name:        name,
			Remote:      config.Remote{Name: remoteName, Type: remoteType},
			Description: fmt.Sprintf("Imported mount for %s", remoteName),
		}

		if !i.registry.Add(def) {
			klog.V(2).Infof("Skipping remote %s: mount %q already defined", remoteName, name)
			res.Skipped++
			continue
		}
		klog.Infof("Imported mount %q from remote %s (type %s)", name, remoteName, remoteType)
		res.Imported = append(res.Imported, name)
	}

	if len(res.Imported) > 0 {
		if err := i.registry.Save(); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// parseRemoteLine parses one line of `listremotes --long` output, which is
// "<name>: <type>". Plain listremotes output (name only) also parses; the
// type then reads as unknown.
func parseRemoteLine(line string) (name, remoteType string, ok bool) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 || !strings.HasSuffix(fields[0], ":") || fields[0] == ":" {
		return "", "", false
	}
	name = fields[0]
	remoteType = "unknown"
	if len(fields) > 1 {
		remoteType = fields[1]
	}
	return name, remoteType, true
}
