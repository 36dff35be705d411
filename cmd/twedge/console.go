package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/twedge/agent"
	"github.com/caffeineduck/twedge/ipc"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive client for publishing and watching messages",
	Long: `Connect to the coordinator as a client and interact with it.

Commands:
  pub <topic> <payload>   Publish a message
  sub <filter>            Subscribe and print matching messages
  unsub <filter>          Remove a subscription
  help                    Show commands
  exit, quit              Leave the console

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)`,
	RunE: runConsole,
}

func init() {
	consoleCmd.Flags().String("coordinator", "unix:/tmp/twedge.sock", "Coordinator address")
	consoleCmd.Flags().String("name", "", "Client name (default: console-<pid>)")
	consoleCmd.Flags().String("history", "", "History file path (default: ~/.twedge_history)")
	rootCmd.AddCommand(consoleCmd)
}

// printer is the console's guest: delivered messages are printed.
type printer struct {
	out io.Writer
}

func (p printer) Init(context.Context) error { return nil }

func (p printer) Deliver(_ context.Context, topic string, payload []byte) error {
	fmt.Fprintf(p.out, "[%s] %s\n", topic, payload)
	return nil
}

func (p printer) Shutdown(context.Context) error { return nil }
func (p printer) Close(context.Context) error    { return nil }

func runConsole(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("coordinator")
	name, _ := cmd.Flags().GetString("name")
	historyFile, _ := cmd.Flags().GetString("history")

	if name == "" {
		name = fmt.Sprintf("console-%d", os.Getpid())
	}
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".twedge_history")
	}

	log, err := newLogger(cmd, "warn", "console")
	if err != nil {
		return err
	}
	defer log.Sync()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "twedge> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a := agent.New(name, agent.WithLogger(log))
	a.Attach(printer{out: rl.Stdout()})
	conn, err := ipc.Dial(ctx, addr)
	if err != nil {
		return err
	}
	if err := a.Connect(ctx, conn); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := a.Run(ctx); err != nil {
			log.Warn("disconnected", zap.Error(err))
		}
		rl.Close()
	}()

	fmt.Fprintf(rl.Stderr(), "twedge console as %q (type 'help' for commands, Ctrl+D to exit)\n", name)
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(rl.Stdout())
			}
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		if err := consoleCommand(ctx, a, rl.Stdout(), line); err != nil {
			fmt.Fprintf(rl.Stderr(), "Error: %v\n", err)
		}
	}
}

// consoleCommand runs one console line against a.
func consoleCommand(ctx context.Context, a *agent.Agent, out io.Writer, line string) error {
	verb, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch verb {
	case "pub", "publish":
		topic, payload, _ := strings.Cut(rest, " ")
		if topic == "" {
			return errors.New("usage: pub <topic> <payload>")
		}
		return a.Publish(ctx, topic, []byte(payload))
	case "sub", "subscribe":
		if rest == "" {
			return errors.New("usage: sub <filter>")
		}
		return a.Subscribe(ctx, rest)
	case "unsub", "unsubscribe":
		if rest == "" {
			return errors.New("usage: unsub <filter>")
		}
		return a.Unsubscribe(ctx, rest)
	case "help":
		fmt.Fprintln(out, "pub <topic> <payload> | sub <filter> | unsub <filter> | exit")
		return nil
	default:
		return fmt.Errorf("unknown command %q", verb)
	}
}
