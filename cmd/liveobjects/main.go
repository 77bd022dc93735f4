package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/drpcorg/liveobjects"
	"github.com/drpcorg/liveobjects/loopback"
	"github.com/drpcorg/liveobjects/store"
	"github.com/drpcorg/liveobjects/utils"
	"github.com/ergochat/readline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// client is one connection to the in-process channel.
type client struct {
	name    string
	ch      *loopback.Channel
	objects *liveobjects.Objects
	unsubs  []func()
}

// REPL drives several clients of one loopback channel.
type REPL struct {
	server   *loopback.Server
	store    *store.Store
	log      utils.Logger
	registry *prometheus.Registry
	clients  map[string]*client
	cur      *client
	rl       *readline.Instance
}

var ErrNoClient = errors.New("no client, try: use <name>")

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("use"),
	readline.PcItem("attach"),
	readline.PcItem("detach"),
	readline.PcItem("flush"),

	readline.PcItem("get"),
	readline.PcItem("keys"),
	readline.PcItem("compact"),
	readline.PcItem("json"),
	readline.PcItem("set"),
	readline.PcItem("setmap"),
	readline.PcItem("setcounter"),
	readline.PcItem("rm"),
	readline.PcItem("inc"),
	readline.PcItem("dec"),
	readline.PcItem("sub"),

	readline.PcItem("gc"),
	readline.PcItem("metrics"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func (repl *REPL) Open(storeDir string, hold bool) (err error) {
	repl.log = utils.NewDefaultLogger(slog.LevelWarn)
	repl.clients = make(map[string]*client)
	repl.registry = prometheus.NewRegistry()
	repl.registry.MustRegister(liveobjects.Metrics()...)

	var opts []loopback.ServerOpt
	opts = append(opts, &loopback.ServerLoggerOpt{Logger: repl.log})
	if hold {
		opts = append(opts, &loopback.ServerHoldEchoOpt{})
	}
	if repl.server, err = loopback.NewServer(opts...); err != nil {
		return
	}
	if storeDir != "" {
		if repl.store, err = store.Open(storeDir, store.Options{Logger: repl.log}); err != nil {
			return
		}
		repl.registry.MustRegister(store.NewPebbleCollector(repl.store))
	}

	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     ".liveobjects_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.rl.CaptureExitSignal()
	return
}

func (repl *REPL) Close() error {
	for _, c := range repl.clients {
		for _, unsub := range c.unsubs {
			unsub()
		}
		c.ch.Detach()
		_ = c.objects.Close()
	}
	if repl.server != nil {
		_ = repl.server.Close()
	}
	if repl.store != nil {
		_ = repl.store.Close()
	}
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	return nil
}

func (repl *REPL) prompt() {
	if repl.cur == nil {
		repl.rl.SetPrompt("◌ ")
		return
	}
	repl.rl.SetPrompt(fmt.Sprintf("%s %s ", repl.cur.name, stateGlyph(repl.cur.ch.State())))
}

func stateGlyph(st liveobjects.ChannelState) string {
	if st == liveobjects.ChannelAttached {
		return "●"
	}
	return "◌"
}

// REPL reads and runs one command.
func (repl *REPL) REPL(ctx context.Context) (out string, err error) {
	repl.prompt()
	var line string
	line, err = repl.rl.Readline()
	if err == readline.ErrInterrupt && len(line) != 0 {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	args := strings.Fields(line)
	if len(args) == 0 {
		return "", nil
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "help":
		out = help
	case "exit", "quit":
		err = io.EOF
	// ----- connections -----
	case "use":
		out, err = repl.CommandUse(ctx, args)
	case "attach":
		out, err = repl.CommandAttach(ctx, args)
	case "detach":
		out, err = repl.CommandDetach(ctx, args)
	case "flush":
		out, err = repl.CommandFlush(ctx, args)
	// ----- reads -----
	case "get":
		out, err = repl.CommandGet(ctx, args)
	case "keys":
		out, err = repl.CommandKeys(ctx, args)
	case "compact":
		out, err = repl.CommandCompact(ctx, args)
	case "json":
		out, err = repl.CommandJSON(ctx, args)
	// ----- writes -----
	case "set":
		out, err = repl.CommandSet(ctx, args)
	case "setmap":
		out, err = repl.CommandSetMap(ctx, args)
	case "setcounter":
		out, err = repl.CommandSetCounter(ctx, args)
	case "rm":
		out, err = repl.CommandRemove(ctx, args)
	case "inc":
		out, err = repl.CommandIncrement(ctx, args, 1)
	case "dec":
		out, err = repl.CommandIncrement(ctx, args, -1)
	case "sub":
		out, err = repl.CommandSubscribe(ctx, args)
	// ----- debug -----
	case "gc":
		out, err = repl.CommandGC(ctx, args)
	case "metrics":
		out, err = repl.CommandMetrics(ctx, args)
	default:
		err = fmt.Errorf("command unknown: %s", cmd)
	}
	return
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "liveobjects",
		Short: "Interactive shell over an in-process live objects channel",
		Long: `Runs a loopback channel and a readline shell to drive several clients of it.
With --store the last synced state of every client is kept in a pebble database.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runShell,
	}
	cmd.Flags().String("store", "", "directory of the pebble snapshot store, none if empty")
	cmd.Flags().Bool("hold", false, "hold operations back until flush")
	return cmd
}

func runShell(cmd *cobra.Command, _ []string) error {
	storeDir, err := cmd.Flags().GetString("store")
	if err != nil {
		return err
	}
	hold, err := cmd.Flags().GetBool("hold")
	if err != nil {
		return err
	}

	repl := REPL{}
	if err := repl.Open(storeDir, hold); err != nil {
		return err
	}
	defer repl.Close()

	ctx := cmd.Context()
	var out string
	for err != io.EOF {
		if err != nil {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\n", err.Error())
			err = nil
		} else if out != "" {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\n", out)
		}
		out, err = repl.REPL(ctx)
	}
	return nil
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-1)
	}
}
