package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/zboralski/remotenet/internal/app"
	"github.com/zboralski/remotenet/internal/dynamic"
)

var errQuit = errors.New("quit")

type consoleCmd struct {
	names []string
	usage string
	help  string
	fn    func(c *console, ctx context.Context, args []string) error
}

var consoleCmds []consoleCmd

func init() {
	consoleCmds = []consoleCmd{
		{[]string{"domains", "d"}, "domains", "list domains and modules", (*console).cmdDomains},
		{[]string{"heap", "h"}, "heap [filter]", "list heap instances", (*console).cmdHeap},
		{[]string{"types", "t"}, "types [filter]", "list types", (*console).cmdTypes},
		{[]string{"type"}, "type <name>", "dump a type", (*console).cmdType},
		{[]string{"pin", "p"}, "pin <address> [type]", "pin an object and give it a $n handle", (*console).cmdPin},
		{[]string{"members", "m"}, "members <$n>", "list an object's members", (*console).cmdMembers},
		{[]string{"get"}, "get <$n> <member>", "read a field or property", (*console).cmdGet},
		{[]string{"set"}, "set <$n> <member> <arg>", "write a field or property", (*console).cmdSet},
		{[]string{"call", "c"}, "call <$n> <method> [args...]", "invoke a method", (*console).cmdCall},
		{[]string{"new"}, "new <type> [args...]", "construct an object", (*console).cmdNew},
		{[]string{"release", "r"}, "release <$n>", "unpin an object", (*console).cmdRelease},
		{[]string{"objects", "o"}, "objects", "list pinned handles", (*console).cmdObjects},
		{[]string{"help", "?"}, "help", "show this help", (*console).cmdHelp},
		{[]string{"quit", "q", "exit"}, "quit", "leave the console", func(*console, context.Context, []string) error { return errQuit }},
	}
}

// console runs interactive commands over one session. Pinned objects are
// addressed by $n handles that stay valid across a GC.
type console struct {
	session *app.Session
	out     io.Writer
	handles []*dynamic.Object
}

func newConsole(s *app.Session, out io.Writer) *console {
	return &console{session: s, out: out}
}

func (c *console) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	name := strings.ToLower(fields[0])
	for _, cmd := range consoleCmds {
		for _, n := range cmd.names {
			if n == name {
				return cmd.fn(c, ctx, fields[1:])
			}
		}
	}
	return fmt.Errorf("unknown command %q (try help)", fields[0])
}

func (c *console) print(v any) error {
	return printResult(c.out, v)
}

func (c *console) handle(s string) (*dynamic.Object, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(s, "$"))
	if err != nil || !strings.HasPrefix(s, "$") {
		return nil, fmt.Errorf("bad handle %q: want $n", s)
	}
	if n < 1 || n > len(c.handles) || c.handles[n-1] == nil {
		return nil, fmt.Errorf("no object %s", s)
	}
	return c.handles[n-1], nil
}

func (c *console) bind(o *dynamic.Object) string {
	for i, h := range c.handles {
		if h == o {
			return "$" + strconv.Itoa(i+1)
		}
	}
	c.handles = append(c.handles, o)
	return "$" + strconv.Itoa(len(c.handles))
}

func need(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("usage: %s", usage)
	}
	return nil
}

func optional(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func (c *console) cmdDomains(ctx context.Context, args []string) error {
	d, err := c.session.Domains(ctx)
	if err != nil {
		return err
	}
	return c.print(d)
}

func (c *console) cmdHeap(ctx context.Context, args []string) error {
	objs, err := c.session.QueryInstances(ctx, optional(args), true)
	if err != nil {
		return err
	}
	return c.print(objs)
}

func (c *console) cmdTypes(ctx context.Context, args []string) error {
	types, err := c.session.QueryTypes(ctx, optional(args))
	if err != nil {
		return err
	}
	return c.print(types)
}

func (c *console) cmdType(ctx context.Context, args []string) error {
	if err := need(args, 1, "type <name>"); err != nil {
		return err
	}
	td, err := c.session.Communicator().DumpType(ctx, args[0], "")
	if err != nil {
		return err
	}
	return c.print(td)
}

func (c *console) cmdPin(ctx context.Context, args []string) error {
	if err := need(args, 1, "pin <address> [type]"); err != nil {
		return err
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	o, err := c.session.GetRemoteObject(ctx, addr, optional(args[1:]), nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s = %s\n", c.bind(o), o.Ref())
	return nil
}

func (c *console) cmdMembers(ctx context.Context, args []string) error {
	if err := need(args, 1, "members <$n>"); err != nil {
		return err
	}
	o, err := c.handle(args[0])
	if err != nil {
		return err
	}
	for _, name := range o.Members() {
		m, _ := o.Member(name)
		fmt.Fprintf(c.out, "%-10s %s %s\n", m.Kind, m.TypeName, name)
	}
	return nil
}

func (c *console) cmdGet(ctx context.Context, args []string) error {
	if err := need(args, 2, "get <$n> <member>"); err != nil {
		return err
	}
	o, err := c.handle(args[0])
	if err != nil {
		return err
	}
	v, err := o.TryGetMember(ctx, args[1])
	if err != nil {
		return err
	}
	return c.print(v)
}

func (c *console) cmdSet(ctx context.Context, args []string) error {
	if err := need(args, 3, "set <$n> <member> <arg>"); err != nil {
		return err
	}
	o, err := c.handle(args[0])
	if err != nil {
		return err
	}
	v, err := c.arg(args[2])
	if err != nil {
		return err
	}
	return o.TrySetMember(ctx, args[1], v)
}

func (c *console) cmdCall(ctx context.Context, args []string) error {
	if err := need(args, 2, "call <$n> <method> [args...]"); err != nil {
		return err
	}
	o, err := c.handle(args[0])
	if err != nil {
		return err
	}
	params, err := c.args(args[2:])
	if err != nil {
		return err
	}
	v, err := o.TryInvoke(ctx, args[1], params...)
	if err != nil {
		return err
	}
	return c.print(v)
}

func (c *console) cmdNew(ctx context.Context, args []string) error {
	if err := need(args, 1, "new <type> [args...]"); err != nil {
		return err
	}
	params, err := c.args(args[1:])
	if err != nil {
		return err
	}
	o, err := c.session.CreateInstance(ctx, args[0], params...)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s = %s\n", c.bind(o), o.Ref())
	return nil
}

func (c *console) cmdRelease(ctx context.Context, args []string) error {
	if err := need(args, 1, "release <$n>"); err != nil {
		return err
	}
	o, err := c.handle(args[0])
	if err != nil {
		return err
	}
	for i, h := range c.handles {
		if h == o {
			c.handles[i] = nil
		}
	}
	return c.session.Release(ctx, o)
}

func (c *console) cmdObjects(ctx context.Context, args []string) error {
	for i, o := range c.handles {
		if o == nil {
			continue
		}
		fmt.Fprintf(c.out, "$%d = %s\n", i+1, o.Ref())
	}
	return nil
}

func (c *console) cmdHelp(ctx context.Context, args []string) error {
	usages := make([]string, 0, len(consoleCmds))
	for _, cmd := range consoleCmds {
		usages = append(usages, fmt.Sprintf("  %-30s %s", cmd.usage, cmd.help))
	}
	sort.Strings(usages)
	fmt.Fprintln(c.out, strings.Join(usages, "\n"))
	fmt.Fprintln(c.out, "\narguments: $n, Type=value, Type@address or null")
	return nil
}

// arg accepts a $n handle on top of what parseArg reads.
func (c *console) arg(s string) (any, error) {
	if strings.HasPrefix(s, "$") {
		return c.handle(s)
	}
	ora, err := parseArg(s)
	if err != nil {
		return nil, err
	}
	if ora.IsNull() {
		return nil, nil
	}
	return ora, nil
}

func (c *console) args(in []string) ([]any, error) {
	out := make([]any, 0, len(in))
	for _, s := range in {
		v, err := c.arg(s)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func historyFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "remotenet_history")
	}
	return filepath.Join(dir, "remotenet", "history")
}

func newConsoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Interactive shell over one session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *app.Session) error {
				hist := historyFile()
				_ = os.MkdirAll(filepath.Dir(hist), 0o755)

				rl, err := readline.NewEx(&readline.Config{
					Prompt:            promptStyle.Render("remotenet") + "> ",
					HistoryFile:       hist,
					InterruptPrompt:   "^C",
					EOFPrompt:         "exit",
					HistorySearchFold: true,
					FuncFilterInputRune: func(r rune) (rune, bool) {
						if r == readline.CharCtrlZ {
							return r, false
						}
						return r, true
					},
				})
				if err != nil {
					return err
				}
				defer rl.Close()

				c := newConsole(s, rl.Stdout())
				printHeading(rl.Stdout(), "connected", conf.DiverAddr(), "help for commands")
				for {
					if ctx.Err() != nil {
						return nil
					}
					line, err := rl.Readline()
					if err != nil {
						if err == readline.ErrInterrupt {
							continue
						}
						if err == io.EOF {
							return nil
						}
						return err
					}
					if err := c.exec(ctx, line); err != nil {
						if errors.Is(err, errQuit) {
							return nil
						}
						fmt.Fprintln(rl.Stderr(), errorStyle.Render("error: "+err.Error()))
					}
				}
			})
		},
	}
}
