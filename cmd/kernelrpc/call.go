package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"kernel-rpc/client"
	"kernel-rpc/loadbalance"
	"kernel-rpc/registry"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// frontendFlags select the kernel to talk to.
type frontendFlags struct {
	addr      string
	transport string
	timeout   time.Duration
}

func (f *frontendFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", "", "Kernel address; skips registry discovery")
	cmd.Flags().StringVar(&f.transport, "transport", "tcp", "Transport for --addr: tcp or websocket")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "Reply timeout (defaults to comm.timeout)")
}

// connect builds a frontend client from the config and connects it, either
// to --addr or to a kernel found in the registry.
func (f *frontendFlags) connect(ctx context.Context, configPath string) (*client.Client, time.Duration, error) {
	cfg, logger, err := loadConfig(configPath, "frontend")
	if err != nil {
		return nil, 0, err
	}
	timeout := cfg.Comm.Timeout
	if f.timeout > 0 {
		timeout = f.timeout
	}

	commOpts, err := commOptions(cfg, logger)
	if err != nil {
		return nil, 0, err
	}
	chanOpts, err := channelOptions(cfg)
	if err != nil {
		return nil, 0, err
	}
	opts := []client.Option{
		client.WithLogger(logger),
		client.WithTarget(cfg.Kernel.Target),
		client.WithSessionKey(cfg.Client.SessionKey),
		client.WithDialTimeout(cfg.Client.DialTimeout),
		client.WithCommOptions(commOpts...),
		client.WithChannelOptions(chanOpts...),
	}

	closeReg := func() {}
	if f.addr == "" {
		reg, closeFn, err := newRegistry(cfg, logger)
		if err != nil {
			return nil, 0, err
		}
		if reg == nil {
			return nil, 0, fmt.Errorf("no registry configured, pass --addr")
		}
		bal, err := loadbalance.New(cfg.Client.Balancer)
		if err != nil {
			closeFn()
			return nil, 0, err
		}
		closeReg = closeFn
		opts = append(opts, client.WithRegistry(reg, bal))
	}
	defer closeReg()

	c := client.NewClient(opts...)
	if f.addr != "" {
		err = c.Dial(ctx, registry.KernelInstance{Addr: f.addr, Transport: f.transport})
	} else {
		err = c.Connect(ctx)
	}
	if err != nil {
		_ = c.Close()
		return nil, 0, err
	}
	return c, timeout, nil
}

func newCallCmd(configPath *string) *cobra.Command {
	var (
		flags  frontendFlags
		kwargs []string
		noWait bool
	)

	cmd := &cobra.Command{
		Use:   "call NAME [ARG...]",
		Short: "Make a remote call to a kernel",
		Long: `Make a remote call to a kernel and print its result as JSON.

Arguments and --kw values are YAML scalars or flow collections: 42 is an
integer, '"42"' a string and "[1, 2]" a list. Keyword arguments are only
accepted by calls that take them.

Examples:
  kernelrpc call Namespace.Set x 42 --addr 127.0.0.1:7878
  kernelrpc call Namespace.Get x --addr 127.0.0.1:7878
  kernelrpc call echo 1 two "[3, 4]"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			callArgs, err := parseValues(args[1:])
			if err != nil {
				return err
			}
			callKwargs, err := parseKwargs(kwargs)
			if err != nil {
				return err
			}

			c, timeout, err := flags.connect(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer c.Close()

			if noWait {
				return c.Notify(cmd.Context(), args[0], callArgs...)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			result, err := c.CallKw(ctx, args[0], callKwargs, callArgs...)
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringArrayVar(&kwargs, "kw", nil, "Keyword argument as key=value (repeatable)")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Send the call without waiting for a reply")
	return cmd
}

func newPingCmd(configPath *string) *cobra.Command {
	var flags frontendFlags

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check that a kernel answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, timeout, err := flags.connect(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			rtt, err := c.Ping(ctx)
			if err != nil {
				return err
			}
			cmd.Printf("pong from %s in %s\n", c.Kernel().Addr, rtt)
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

func newInfoCmd(configPath *string) *cobra.Command {
	var flags frontendFlags

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Describe a kernel and list its remote calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, timeout, err := flags.connect(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			info, err := c.Info(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, info)
		},
	}

	flags.register(cmd)
	return cmd
}

// parseValues decodes each argument as a YAML value.
func parseValues(raw []string) ([]any, error) {
	values := make([]any, 0, len(raw))
	for _, r := range raw {
		var v any
		if err := yaml.Unmarshal([]byte(r), &v); err != nil {
			return nil, fmt.Errorf("invalid argument %q: %w", r, err)
		}
		values = append(values, v)
	}
	return values, nil
}

func parseKwargs(raw []string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	kwargs := make(map[string]any, len(raw))
	for _, r := range raw {
		key, value, ok := strings.Cut(r, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid keyword argument %q, want key=value", r)
		}
		values, err := parseValues([]string{value})
		if err != nil {
			return nil, err
		}
		kwargs[key] = values[0]
	}
	return kwargs, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("result is not JSON-encodable: %w", err)
	}
	cmd.Println(string(out))
	return nil
}
