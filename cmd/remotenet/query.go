package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zboralski/remotenet/internal/app"
	"github.com/zboralski/remotenet/internal/dumps"
)

func newDomainsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "domains",
		Short: "List the target's domains and modules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *app.Session) error {
				d, err := s.Domains(ctx)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), d)
			})
		},
	}
}

func newHeapCmd() *cobra.Command {
	var hashcodes bool
	cmd := &cobra.Command{
		Use:   "heap [filter]",
		Short: "List heap objects whose type matches filter",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := ""
			if len(args) > 0 {
				filter = args[0]
			}
			return withSession(cmd, func(ctx context.Context, s *app.Session) error {
				objs, err := s.QueryInstances(ctx, filter, hashcodes)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), objs)
			})
		},
	}
	cmd.Flags().BoolVar(&hashcodes, "hashcodes", true, "dump hash codes (lets objects be found after a GC)")
	return cmd
}

func newTypesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "types [filter]",
		Short: "List types in every module",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := ""
			if len(args) > 0 {
				filter = args[0]
			}
			return withSession(cmd, func(ctx context.Context, s *app.Session) error {
				types, err := s.QueryTypes(ctx, filter)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), types)
			})
		},
	}
}

func newTypeCmd() *cobra.Command {
	var assembly string
	cmd := &cobra.Command{
		Use:   "type <name>",
		Short: "Dump a type's layout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *app.Session) error {
				td, err := s.Communicator().DumpType(ctx, args[0], assembly)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), td)
			})
		},
	}
	cmd.Flags().StringVarP(&assembly, "assembly", "a", "", "assembly holding the type")
	return cmd
}

func parseAddr(s string) (uint64, error) {
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad address %q", s)
	}
	return addr, nil
}

func newObjectCmd() *cobra.Command {
	var (
		typeName string
		hashcode int32
	)
	cmd := &cobra.Command{
		Use:   "object <address>",
		Short: "Dump the object at an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddr(args[0])
			if err != nil {
				return err
			}
			var hc *int32
			if cmd.Flags().Changed("hashcode") {
				hc = &hashcode
			}
			return withSession(cmd, func(ctx context.Context, s *app.Session) error {
				od, err := s.Communicator().DumpObject(ctx, addr, typeName, false, hc)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), od)
			})
		},
	}
	cmd.Flags().StringVarP(&typeName, "type", "t", "", "expected type name")
	cmd.Flags().Int32Var(&hashcode, "hashcode", 0, "find the object by hash code if it moved")
	return cmd
}

// parseArg reads one invocation argument:
//
//	System.Int32=42         encoded primitive
//	Sandbox.Person@0x1000   remote object
//	null                    null reference
func parseArg(s string) (dumps.ObjectOrRemoteAddress, error) {
	if s == "null" {
		return dumps.Null(), nil
	}
	if typeName, value, ok := strings.Cut(s, "="); ok && typeName != "" {
		return dumps.FromEncoded(value, typeName), nil
	}
	if typeName, addr, ok := strings.Cut(s, "@"); ok && typeName != "" {
		a, err := parseAddr(addr)
		if err != nil {
			return dumps.ObjectOrRemoteAddress{}, err
		}
		return dumps.FromToken(a, typeName), nil
	}
	return dumps.ObjectOrRemoteAddress{}, fmt.Errorf("bad argument %q: want Type=value, Type@address or null", s)
}

func parseArgs(in []string) ([]dumps.ObjectOrRemoteAddress, error) {
	out := make([]dumps.ObjectOrRemoteAddress, 0, len(in))
	for _, s := range in {
		a, err := parseArg(s)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func newInvokeCmd() *cobra.Command {
	var generics []string
	cmd := &cobra.Command{
		Use:   "invoke <address> <type> <method> [args...]",
		Short: "Invoke a method; address 0 calls a static method",
		Long: `Invoke a method on the object at address, or a static method when the
address is 0. Arguments are Type=value for primitives, Type@address for
remote objects, or null.`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddr(args[0])
			if err != nil {
				return err
			}
			params, err := parseArgs(args[3:])
			if err != nil {
				return err
			}
			return withSession(cmd, func(ctx context.Context, s *app.Session) error {
				res, err := s.Communicator().InvokeMethod(ctx, addr, args[1], args[2], generics, params)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringSliceVarP(&generics, "generic", "g", nil, "generic argument type names")
	return cmd
}
