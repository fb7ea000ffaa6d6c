// keyguardctl is the operator CLI for keyguardd.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"keyguard/internal/config"
	"keyguard/internal/ipc"
)

var version = "dev"

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// cli holds the flags shared by every subcommand.
type cli struct {
	socket  string
	cfgPath string
	asJSON  bool
	timeout time.Duration
	out     io.Writer
}

func main() {
	root := newRootCmd(&cli{out: os.Stdout})
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		code := 1
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		os.Exit(code)
	}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "keyguardctl",
		Short:         "Control the keyguard daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	f := root.PersistentFlags()
	f.StringVar(&c.socket, "socket", "", "daemon socket (default: from config)")
	f.StringVarP(&c.cfgPath, "config", "c", "", "path to config file")
	f.BoolVar(&c.asJSON, "json", false, "print the raw response payload as JSON")
	f.DurationVar(&c.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		c.pingCmd(),
		c.statusCmd(),
		c.collectCmd(),
		c.switchUserCmd(),
		c.trainCmd(),
		c.predictCmd(),
		c.activateCmd(),
		c.modelsCmd(),
		c.alertsCmd(),
		c.schedulesCmd(),
		c.usersCmd(),
		c.jobsCmd(),
		c.detectionCmd(),
		c.summaryCmd(),
		c.filesCmd(),
		c.watchCmd(),
		c.callCmd(),
	)
	return root
}

func (c *cli) socketPath() (string, error) {
	if c.socket != "" {
		return c.socket, nil
	}
	cfg, err := config.Load(c.cfgPath)
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	return cfg.IPC.SocketPath, nil
}

func (c *cli) connect(ctx context.Context) (*ipc.IPCClient, error) {
	path, err := c.socketPath()
	if err != nil {
		return nil, err
	}
	cfg := ipc.DefaultClientConfig(path)
	cfg.ClientVersion = version
	cfg.RequestTimeout = c.timeout
	client := ipc.NewClient(cfg)
	if err := client.Connect(ctx); err != nil {
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			return nil, &exitError{code: 3, err: fmt.Errorf("%w (start it with: keyguardd run)", err)}
		}
		return nil, err
	}
	return client, nil
}

// call runs one verb and returns its payload. A failed envelope becomes
// an error carrying the error kind.
func (c *cli) call(ctx context.Context, verb string, args any) (*ipc.Response, error) {
	client, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	resp, err := client.Call(ctx, verb, args)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &exitError{code: 2, err: fmt.Errorf("%s: %s", resp.Kind, resp.Error)}
	}
	return resp, nil
}

// run calls verb and prints the result with show, or as JSON when --json
// is set. A nil show prints the response message.
func run[T any](c *cli, cmd *cobra.Command, verb string, args any, show func(io.Writer, T)) error {
	resp, err := c.call(cmd.Context(), verb, args)
	if err != nil {
		return err
	}
	if c.asJSON {
		return printJSON(c.out, resp.Data)
	}
	if show == nil || len(resp.Data) == 0 {
		fmt.Fprintln(c.out, resp.Message)
		return nil
	}
	var v T
	if err := json.Unmarshal(resp.Data, &v); err != nil {
		return fmt.Errorf("decode %s response: %w", verb, err)
	}
	show(c.out, v)
	return nil
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
