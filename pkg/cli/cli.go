package cli

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/amirimatin/go-replset/pkg/agent"
	"github.com/amirimatin/go-replset/pkg/internal/logutil"
	"github.com/amirimatin/go-replset/pkg/observability/metrics"
	"github.com/amirimatin/go-replset/pkg/replset"
	"github.com/amirimatin/go-replset/pkg/transport"
	mgmtgrpc "github.com/amirimatin/go-replset/pkg/transport/grpc"
	httpjson "github.com/amirimatin/go-replset/pkg/transport/httpjson"
)

// AddAll attaches the replica set subcommands (reconcile/status/serve/join/leave) to the provided root command.
func AddAll(root *cobra.Command) {
	root.AddCommand(NewReconcileCmd())
	root.AddCommand(NewStatusCmd())
	root.AddCommand(NewServeCmd())
	root.AddCommand(NewJoinCmd())
	root.AddCommand(NewLeaveCmd())
}

// NewReplsetCommand returns a parent command "replset" containing all subcommands.
func NewReplsetCommand() *cobra.Command {
	parent := &cobra.Command{Use: "replset", Short: "MongoDB replica set membership commands"}
	AddAll(parent)
	return parent
}

// NewReconcileCmd returns the "reconcile" command: a one-shot convergence of
// a single member against the replica set.
func NewReconcileCmd() *cobra.Command {
	var (
		conn        connFlags
		member      memberFlags
		pushgateway string
		debug       bool
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Ensure a member is present in or absent from a replica set",
		RunE: func(cmd *cobra.Command, args []string) error {
			fs := cmd.Flags()
			d, err := member.desired(fs)
			if err != nil {
				return err
			}
			state, err := member.desiredState()
			if err != nil {
				return err
			}
			cfg, err := conn.config(fs)
			if err != nil {
				return err
			}
			if debug {
				cfg.Logger = logutil.New(zapcore.DebugLevel)
			}
			ctx, cancel := signalContext()
			defer cancel()

			a, err := agent.Run(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.Background()) }()

			out, rerr := a.Reconcile(ctx, transport.ReconcileRequest{Member: d, State: state})
			if pushgateway != "" {
				if err := metrics.Push(pushgateway, agent.AppName); err != nil {
					logutil.Warnf(cfg.Logger, "%v", err)
				}
			}
			if rerr != nil {
				return fmt.Errorf("reconcile %s: %w", d.HostPort(), rerr)
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	fs := cmd.Flags()
	conn.register(fs)
	member.register(fs, true)
	fs.StringVar(&pushgateway, "pushgateway", "", "Prometheus Pushgateway URL to push metrics to before exiting")
	fs.BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

// NewStatusCmd returns the "status" command. With --addr it asks an agent;
// otherwise it connects to the set directly.
func NewStatusCmd() *cobra.Command {
	var (
		conn connFlags
		mgmt mgmtFlags
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Fetch replica set status as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), mgmt.timeout)
			defer cancel()
			if mgmt.addr != "" {
				client, closeFn, err := mgmt.client(mgmt.timeout)
				if err != nil {
					return err
				}
				defer closeFn()
				data, err := client.GetStatus(ctx, mgmt.addr)
				if err != nil {
					return fmt.Errorf("status error: %w", err)
				}
				return writeRaw(cmd.OutOrStdout(), data)
			}
			cfg, err := conn.config(cmd.Flags())
			if err != nil {
				return err
			}
			a, err := agent.Build(cfg)
			if err != nil {
				return err
			}
			st, err := a.ClusterStatus(ctx)
			if err != nil {
				return fmt.Errorf("status error: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), st)
		},
	}
	conn.register(cmd.Flags())
	mgmt.register(cmd.Flags(), "", 30*time.Second)
	return cmd
}

// NewServeCmd returns the "serve" command used to run a management agent.
func NewServeCmd() *cobra.Command {
	var (
		conn      connFlags
		mgmt      mgmtFlags
		mgmtAddr  string
		mgmtProto string
		debug     bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an agent exposing the management API",
		RunE: func(cmd *cobra.Command, args []string) error {
			fs := cmd.Flags()
			cfg, err := conn.config(fs)
			if err != nil {
				return err
			}
			if conn.configPath == "" || fs.Changed("mgmt-addr") {
				cfg.MgmtAddr = mgmtAddr
			}
			if conn.configPath == "" || fs.Changed("mgmt-proto") {
				cfg.MgmtProto = mgmtProto
			}
			if conn.configPath == "" || fs.Changed("mgmt-tls") {
				cfg.MgmtTLS = mgmt.tlsConfig()
			}
			if debug {
				cfg.Logger = logutil.New(zapcore.DebugLevel)
			}
			ctx, cancel := signalContext()
			defer cancel()

			a, err := agent.Run(ctx, cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "agent serving on %s. Press Ctrl+C to exit.\n", a.Addr())
			<-ctx.Done()
			stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			return a.Close(stopCtx)
		},
	}
	fs := cmd.Flags()
	conn.register(fs)
	mgmt.registerTLS(fs)
	fs.StringVar(&mgmtAddr, "mgmt-addr", ":8017", "management address (tcp)")
	fs.StringVar(&mgmtProto, "mgmt-proto", string(transport.ProtocolHTTP), "management RPC protocol: http|grpc")
	fs.BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

// NewJoinCmd returns the "join" command.
func NewJoinCmd() *cobra.Command {
	return newMemberRequestCmd("join", "Ask an agent to add a member to the replica set", replset.StatePresent)
}

// NewLeaveCmd returns the "leave" command.
func NewLeaveCmd() *cobra.Command {
	return newMemberRequestCmd("leave", "Ask an agent to remove a member from the replica set", replset.StateAbsent)
}

func newMemberRequestCmd(use, short string, state replset.State) *cobra.Command {
	var (
		member memberFlags
		mgmt   mgmtFlags
	)
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := member.desired(cmd.Flags())
			if err != nil {
				return err
			}
			client, closeFn, err := mgmt.client(mgmt.timeout)
			if err != nil {
				return err
			}
			defer closeFn()
			ctx, cancel := context.WithTimeout(context.Background(), mgmt.timeout)
			defer cancel()
			out, err := client.PostReconcile(ctx, mgmt.addr, transport.ReconcileRequest{Member: d, State: state})
			if err != nil {
				return fmt.Errorf("%s error: %w", use, err)
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	member.register(cmd.Flags(), false)
	mgmt.register(cmd.Flags(), "127.0.0.1:8017", httpjson.DefaultReconcileTimeout)
	return cmd
}

// client builds a management client for the selected protocol. The returned
// func releases its connections.
func (m *mgmtFlags) client(timeout time.Duration) (transport.RPCClient, func(), error) {
	proto, err := transport.ParseProtocol(m.proto)
	if err != nil {
		return nil, nil, err
	}
	var cliTLS *tls.Config
	if m.tlsEnable {
		cliTLS, err = m.tlsOptions().Client()
		if err != nil {
			return nil, nil, fmt.Errorf("tls client config: %w", err)
		}
	}
	switch proto {
	case transport.ProtocolGRPC:
		cli := mgmtgrpc.NewClient(timeout).WithReconcileTimeout(timeout)
		if cliTLS != nil {
			cli.UseTLS(cliTLS)
		}
		return cli, cli.Close, nil
	default:
		cli := httpjson.NewClient(timeout).WithReconcileTimeout(timeout)
		if cliTLS != nil {
			cli.UseTLS(cliTLS)
		}
		return cli, cli.Close, nil
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeRaw(w io.Writer, data []byte) error {
	if _, err := w.Write(data); err != nil {
		return err
	}
	if len(data) == 0 || data[len(data)-1] != '\n' {
		_, err := w.Write([]byte("\n"))
		return err
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
