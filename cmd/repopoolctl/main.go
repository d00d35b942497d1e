// Command repopoolctl is a thin CLI wrapper over the pool manager.
// It carries no pool logic of its own: it loads configuration, wires
// the six components together, and dispatches one subcommand. A full
// CLI framework is out of scope (spec.md §1); this exists only to
// demonstrate config.Load + pool.NewManager wiring end to end.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/necrocode/repopool/allocator"
	"github.com/necrocode/repopool/cleaner"
	"github.com/necrocode/repopool/config"
	"github.com/necrocode/repopool/core/log"
	"github.com/necrocode/repopool/gitops"
	"github.com/necrocode/repopool/lock"
	"github.com/necrocode/repopool/metadatastore"
	"github.com/necrocode/repopool/pool"
)

type Options struct {
	Config   string `long:"config" description:"path to the pool-definitions YAML file" default:"repopool.yaml"`
	Backend  string `long:"backend" description:"slot provisioning backend" choice:"clone" choice:"worktree" default:"clone"`
	LogDir   string `long:"log-dir" description:"optional directory for a rotating on-disk audit log"`
	Command  string `positional-arg-name:"command" description:"create-pool | allocate | release | warmup | status | summary | detect-anomalies | auto-recover"`
	RepoName string `long:"repo-name" description:"target pool's repo_name"`
	RepoURL  string `long:"repo-url" description:"source URL, required by create-pool"`
	NumSlots int    `long:"num-slots" description:"slot count, used by create-pool" default:"0"`
	SlotID   string `long:"slot-id" description:"target slot_id, used by release/warmup/status"`
}

func main() {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	args, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(args) > 0 && opts.Command == "" {
		opts.Command = args[0]
	}

	log.SetLevel(slog.LevelInfo)

	if opts.LogDir != "" {
		rw, err := log.NewRotatingWriter(log.RotatingWriterConfig{
			LogDir:     opts.LogDir,
			FilePrefix: "repopoolctl",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Stdout:     os.Stdout,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error setting up log directory: %v\n", err)
			os.Exit(1)
		}
		log.SetWriter(rw)
		defer rw.Close()
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	store, err := metadatastore.New(cfg.WorkspacesDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing metadata store: %v\n", err)
		os.Exit(1)
	}

	managerConfig := cfg.ManagerConfig()

	git := gitops.New(managerConfig.CleanupTimeout)
	locks := lock.New(store.LocksDir())
	alloc := allocator.New(store)
	alloc.SetMetricsEnabled(managerConfig.EnableMetrics)
	clean := cleaner.New(git, backendFor(opts.Backend, git), store, locks)
	mgr := pool.NewManager(store, locks, alloc, clean, backendFor(opts.Backend, git), git, managerConfig)

	if err := run(mgr, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func backendFor(name string, git *gitops.Adapter) gitops.Backend {
	if name == "worktree" {
		return gitops.NewWorktreeBackend(git)
	}
	return gitops.NewCloneBackend(git)
}

func run(mgr *pool.Manager, opts Options) error {
	switch opts.Command {
	case "create-pool":
		p, err := mgr.CreatePool(opts.RepoName, opts.RepoURL, opts.NumSlots)
		if err != nil {
			return err
		}
		return printJSON(p)
	case "allocate":
		slot, err := mgr.AllocateSlot(opts.RepoName, nil)
		if err != nil {
			return err
		}
		return printJSON(slot)
	case "release":
		slot, err := mgr.ReleaseSlot(opts.SlotID, true)
		if err != nil {
			return err
		}
		return printJSON(slot)
	case "warmup":
		result, err := mgr.WarmupSlot(opts.SlotID)
		if err != nil {
			return err
		}
		return printJSON(result)
	case "status":
		status, err := mgr.GetSlotStatus(opts.SlotID)
		if err != nil {
			return err
		}
		return printJSON(status)
	case "summary":
		summary, err := mgr.GetPoolSummary(opts.RepoName)
		if err != nil {
			return err
		}
		return printJSON(summary)
	case "detect-anomalies":
		report, err := mgr.DetectAnomalies(24)
		if err != nil {
			return err
		}
		return printJSON(report)
	case "auto-recover":
		return printJSON(mgr.AutoRecover(24, true, true, true))
	default:
		return fmt.Errorf("unknown command %q", opts.Command)
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
