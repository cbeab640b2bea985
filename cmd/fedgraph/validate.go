package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-kit/log"
	"github.com/spf13/cobra"

	"github.com/hanpama/fedgraph/internal/config"
	"github.com/hanpama/fedgraph/internal/plan"
	"github.com/hanpama/fedgraph/internal/source"
)

func newValidatePlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-plan <file|dir>...",
		Short: "Decode and validate query plan files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := planFiles(args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			failed := 0
			for _, f := range files {
				p, err := plan.LoadFile(f)
				if err != nil {
					failed++
					fmt.Fprintf(out, "FAIL %s: %v\n", f, err)
					continue
				}
				kind := "query"
				if p.IsSubscription() {
					kind = "subscription"
				}
				fmt.Fprintf(out, "ok   %s (%s)\n", f, kind)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d plans invalid", failed, len(files))
			}
			return nil
		},
	}
}

// planFiles expands directories to their *.json files.
func planFiles(args []string) ([]string, error) {
	var files []string
	for _, a := range args {
		info, err := os.Stat(a)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, a)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(a, "*.json"))
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		files = append(files, matches...)
	}
	if len(files) == 0 {
		return nil, errors.New("no plan files found")
	}
	return files, nil
}

func newCheckConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Load the configuration, build every source and load the plans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			reg, err := buildRegistry(cfg, source.NewStaticEndpoints(cfg.Endpoints()), log.NewNopLogger())
			if err != nil {
				return err
			}
			defer reg.Close()
			store, err := plan.NewStore(cfg.Resolve(cfg.Plans.Dir), log.NewNopLogger())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "sources: %v\n", reg.Names())
			fmt.Fprintf(out, "plans:   %v\n", store.Names())
			return nil
		},
	}
}
