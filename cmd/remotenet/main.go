package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zboralski/remotenet/internal/app"
	"github.com/zboralski/remotenet/internal/config"
	glog "github.com/zboralski/remotenet/internal/log"
)

var (
	cfgFile string
	format  string
	conf    *config.Config
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: "+err.Error()))
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "remotenet",
		Short: "Inspect and manipulate live objects in a remote process",
		Long: `Remotenet attaches to an agent running inside a target process and works
on its live object graph: it lists heap instances, dumps types and objects,
reads and writes fields, invokes methods and installs hooks.

The agent speaks a small HTTP-like protocol over TCP. Targets on an isolated
network can be reached through an rNET relay.

Examples:
  remotenet agent                              # Serve the in-memory demo target
  remotenet heap 'Sandbox.*'                   # List matching instances
  remotenet object 12345                       # Dump the object at an address
  remotenet invoke 0 Sandbox.Person Add System.Int32=40 System.Int32=2
  remotenet hook trace.js                      # Run JavaScript hook handlers
  remotenet rtti scan app.dll                  # List MSVC RTTI classes in a PE file`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Init(viper.GetViper(), cfgFile); err != nil {
				return err
			}
			c, err := config.LoadConfig()
			if err != nil {
				return err
			}
			conf = c
			glog.Init(conf.Debug)
			return nil
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/remotenet/config.yaml)")
	pf.BoolP("verbose", "V", false, "verbose debug output")
	pf.String("host", "", "diver host")
	pf.Int("port", 0, "diver port")
	pf.String("relay", "", "reach the diver through this rNET relay")
	pf.Duration("timeout", 0, "request timeout")
	pf.String("listen-ip", "", "IP the hook callback listener binds to")
	pf.StringVarP(&format, "format", "f", "json", "output format (json|yaml)")
	viper.BindPFlag("debug", pf.Lookup("verbose"))
	viper.BindPFlag("diver.host", pf.Lookup("host"))
	viper.BindPFlag("diver.port", pf.Lookup("port"))
	viper.BindPFlag("diver.relay", pf.Lookup("relay"))
	viper.BindPFlag("diver.timeout", pf.Lookup("timeout"))
	viper.BindPFlag("listener.ip", pf.Lookup("listen-ip"))

	rootCmd.AddCommand(
		newAgentCmd(),
		newRelayCmd(),
		newGatewayCmd(),
		newDomainsCmd(),
		newHeapCmd(),
		newTypesCmd(),
		newTypeCmd(),
		newObjectCmd(),
		newInvokeCmd(),
		newHookCmd(),
		newRttiCmd(),
		newConsoleCmd(),
	)
	return rootCmd
}

// connect opens a session to the configured diver.
func connect(ctx context.Context, opts app.Options) (*app.Session, error) {
	base := app.OptionsFrom(conf)
	base.Logger = glog.Get()
	base.Collector = opts.Collector
	return app.Connect(ctx, base)
}

// withSession runs fn on a fresh session and closes it afterwards.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *app.Session) error) error {
	ctx := cmd.Context()
	s, err := connect(ctx, app.Options{})
	if err != nil {
		return err
	}
	defer s.Close(context.WithoutCancel(ctx))
	return fn(ctx, s)
}

// bindFlag lets a command flag override the config key.
func bindFlag(cmd *cobra.Command, key, flag string) {
	viper.BindPFlag(key, cmd.Flags().Lookup(flag))
}
