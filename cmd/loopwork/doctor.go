package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/loopwork-ai/loopwork/internal/clispec"
	"github.com/loopwork-ai/loopwork/internal/config"
	"github.com/loopwork-ai/loopwork/internal/pool"
	"github.com/loopwork-ai/loopwork/internal/selector"
	"github.com/loopwork-ai/loopwork/internal/spawn"
	"github.com/loopwork-ai/loopwork/internal/sysinfo"
)

var doctorJSON bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check CLI paths, PTY support, memory, and model health",
	Long: `Probe the environment the executor would run in: resolve the
executable for every cli-kind, check PTY availability, read free and
total memory, and report the configured model pools with their breaker
state. A missing config file degrades to environment-only checks.`,
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(doctorCmd)
}

type cliCheck struct {
	Kind string `json:"kind"`
	Path string `json:"path,omitempty"`
	Err  string `json:"error,omitempty"`
}

type doctorReport struct {
	Config        string                 `json:"config"`
	ConfigErr     string                 `json:"configError,omitempty"`
	CLIs          []cliCheck             `json:"clis"`
	PTY           bool                   `json:"pty"`
	FreeMemoryMB  int                    `json:"freeMemoryMB"`
	TotalMemoryMB int                    `json:"totalMemoryMB"`
	Models        *selector.Health       `json:"models,omitempty"`
	Pools         map[string]pool.Config `json:"pools,omitempty"`
	DefaultPool   string                 `json:"defaultPool,omitempty"`
}

func runDoctor(cmd *cobra.Command, args []string) error {
	rep := gatherDoctorReport(cfgFile)
	out := cmd.OutOrStdout()
	if doctorJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}

	fmt.Fprintf(out, "config: %s", rep.Config)
	if rep.ConfigErr != "" {
		fmt.Fprintf(out, " (%s)", rep.ConfigErr)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "clis:")
	for _, c := range rep.CLIs {
		if c.Err != "" {
			fmt.Fprintf(out, "  %-10s not found (%s)\n", c.Kind, c.Err)
			continue
		}
		fmt.Fprintf(out, "  %-10s %s\n", c.Kind, c.Path)
	}

	fmt.Fprintf(out, "pty: %v\n", rep.PTY)
	fmt.Fprintf(out, "memory: %d MB free / %d MB total\n", rep.FreeMemoryMB, rep.TotalMemoryMB)

	if rep.Models != nil {
		fmt.Fprintf(out, "models (strategy %s):\n", rep.Models.Strategy)
		names := make([]string, 0, len(rep.Models.Models))
		for name := range rep.Models.Models {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			mh := rep.Models.Models[name]
			fmt.Fprintf(out, "  %-20s %-8s breaker=%s retries=%d\n",
				name, mh.Pool, mh.BreakerState, mh.RetryCount)
		}
	}
	if len(rep.Pools) > 0 {
		fmt.Fprintf(out, "pools (default %s):\n", rep.DefaultPool)
		names := make([]string, 0, len(rep.Pools))
		for name := range rep.Pools {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			pc := rep.Pools[name]
			fmt.Fprintf(out, "  %-10s size=%d nice=%d", name, pc.Size, pc.Nice)
			if pc.MemoryLimitMB > 0 {
				fmt.Fprintf(out, " mem=%dMB", pc.MemoryLimitMB)
			}
			fmt.Fprintln(out)
		}
	}
	return nil
}

// gatherDoctorReport never fails: a broken config or memory probe is part
// of the report, not a reason to stop probing.
func gatherDoctorReport(cfgPath string) doctorReport {
	rep := doctorReport{Config: cfgPath}

	var cliPaths map[string]string
	cfg, err := config.Load(cfgPath)
	if err != nil {
		rep.ConfigErr = err.Error()
	} else {
		cliPaths = cfg.CLIPaths
		rep.Models = modelHealth(cfg)
		rep.Pools = cfg.PoolMap()
		rep.DefaultPool = cfg.Pools.Default
	}

	kinds := clispec.Keys()
	sort.Strings(kinds)
	for _, kind := range kinds {
		spec, ok := clispec.Lookup(kind)
		if !ok {
			continue
		}
		check := cliCheck{Kind: kind}
		if path, err := spec.ResolveExecutable(cliPaths[kind]); err != nil {
			check.Err = err.Error()
		} else {
			check.Path = path
		}
		rep.CLIs = append(rep.CLIs, check)
	}

	rep.PTY = spawn.PTYSupported()
	if free, err := sysinfo.FreeMemoryMB(); err == nil {
		rep.FreeMemoryMB = free
	}
	if total, err := sysinfo.TotalMemoryMB(); err == nil {
		rep.TotalMemoryMB = total
	}
	return rep
}
