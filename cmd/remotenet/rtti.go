package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	glog "github.com/zboralski/remotenet/internal/log"
	"github.com/zboralski/remotenet/internal/rtti"
)

func newRttiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rtti",
		Short: "Find MSVC RTTI classes and their virtual functions",
	}
	cmd.AddCommand(newRttiScanCmd(), newRttiVtableCmd(), newRttiProcessCmd())
	return cmd
}

func newRttiScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan <pe-file>...",
		Short: "List the classes whose vftables carry RTTI",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := make(map[string][]rtti.TypeInfo, len(args))
			for _, path := range args {
				img, err := rtti.LoadImage(path)
				if err != nil {
					return err
				}
				s := &rtti.Scanner{Reader: img, Is32: img.Header.Is32, Workers: conf.Scan.Workers, Logger: glog.Get()}
				res, err := s.ScanModules(cmd.Context(), []rtti.Module{img.Module})
				if err != nil {
					return err
				}
				for name, types := range res {
					out[name] = types
				}
			}
			return printResult(cmd.OutOrStdout(), out)
		},
	}
}

func newRttiVtableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vtable <pe-file> <type>",
		Short: "List a class's exported and virtual functions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := rtti.LoadImage(args[0])
			if err != nil {
				return err
			}
			cache, err := rtti.NewExportsCache(img, conf.Scan.CacheSize)
			if err != nil {
				return err
			}
			exports, err := cache.Get(img.Module)
			if err != nil {
				return err
			}
			funcs := rtti.TypeFunctions(img, img.Header.Is32, exports, args[1])
			if len(funcs) == 0 {
				return fmt.Errorf("no functions found for %s", args[1])
			}
			return printResult(cmd.OutOrStdout(), funcs)
		},
	}
}

func newRttiProcessCmd() *cobra.Command {
	var instances bool
	cmd := &cobra.Command{
		Use:   "process <pid>",
		Short: "Scan the PE modules mapped in a live process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("bad pid %q", args[0])
			}
			proc, err := rtti.OpenProcess(pid)
			if err != nil {
				return err
			}
			modules, err := proc.Modules()
			if err != nil {
				return err
			}
			log := glog.Get()
			ctx := cmd.Context()

			// Bitness comes from each module's own header.
			var (
				all  []rtti.TypeInfo
				is64 bool
			)
			res := make(map[string][]rtti.TypeInfo, len(modules))
			for _, m := range modules {
				h, err := rtti.ReadHeader(proc, m.Base)
				if err != nil {
					continue
				}
				is64 = is64 || !h.Is32
				s := &rtti.Scanner{Reader: proc, Is32: h.Is32, Workers: conf.Scan.Workers, Logger: log}
				found, err := s.ScanModules(ctx, []rtti.Module{m})
				if err != nil {
					return err
				}
				for name, types := range found {
					res[name] = types
					all = append(all, types...)
				}
			}
			if !instances {
				return printResult(cmd.OutOrStdout(), res)
			}

			regions, err := proc.Regions()
			if err != nil {
				return err
			}
			is := &rtti.InstanceScanner{Reader: proc, Is32: !is64, Workers: conf.Scan.Workers, Logger: log}
			hits, err := is.Find(ctx, regions, rtti.Vftables(all))
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), hits)
		},
	}
	cmd.Flags().BoolVar(&instances, "instances", false, "find live instances of the classes found")
	return cmd
}
