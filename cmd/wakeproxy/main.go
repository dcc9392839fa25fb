package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bcnelson/wakeproxy/internal/config"
	"github.com/bcnelson/wakeproxy/internal/wol"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.LoadClientConfig()
	if err := newRootCmd(cfg, logger).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.ClientConfig, logger *slog.Logger) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "wakeproxy",
		Short:        "Wake machines on demand and manage the wakeproxy server",
		SilenceUsage: true,
	}

	var (
		broadcast string
		host      string
		checkPort int
		wait      time.Duration
	)
	wakeCmd := &cobra.Command{
		Use:   "wake <mac-or-alias>",
		Short: "Send a Wake-on-LAN packet from this host",
		Long: "Broadcast the magic packet for a machine. With --host the command waits\n" +
			"until the machine accepts TCP connections on --check-port.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWake(cmd.Context(), cmd.OutOrStdout(), logger, cfg.ResolveMAC(args[0]), wakeOptions{
				broadcast: broadcast,
				host:      host,
				checkPort: checkPort,
				wait:      wait,
			})
		},
	}
	wakeCmd.Flags().StringVar(&broadcast, "broadcast", cfg.BroadcastAddr, "broadcast address (ip:port)")
	wakeCmd.Flags().StringVar(&host, "host", "", "address to poll until the machine is up")
	wakeCmd.Flags().IntVar(&checkPort, "check-port", 22, "TCP port polled on --host")
	wakeCmd.Flags().DurationVar(&wait, "wait", wol.DefaultMaxWait, "how long to wait for --host")

	api := &apiClient{baseURL: "http://" + cfg.ServerAddr, http: &http.Client{Timeout: 30 * time.Second}}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered machines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), cmd.OutOrStdout(), api)
		},
	}

	turnOffCmd := &cobra.Command{
		Use:   "turn-off <mac-or-alias>",
		Short: "Ask the server to shut a machine down",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd.Context(), cmd.OutOrStdout(), api, cfg.ResolveMAC(args[0]), "shutdown")
		},
	}

	wakeRemoteCmd := &cobra.Command{
		Use:   "wake-remote <mac-or-alias>",
		Short: "Ask the server to send a Wake-on-LAN packet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd.Context(), cmd.OutOrStdout(), api, cfg.ResolveMAC(args[0]), "wake")
		},
	}

	rootCmd.AddCommand(wakeCmd, listCmd, turnOffCmd, wakeRemoteCmd)
	return rootCmd
}

type wakeOptions struct {
	broadcast string
	host      string
	checkPort int
	wait      time.Duration
}

func runWake(ctx context.Context, out io.Writer, logger *slog.Logger, macArg string, opts wakeOptions) error {
	mac, err := wol.ParseMAC(macArg)
	if err != nil {
		return err
	}

	if err := wol.NewSender(logger).Send(ctx, mac, opts.broadcast); err != nil {
		return fmt.Errorf("sending magic packet: %w", err)
	}
	fmt.Fprintf(out, "Magic packet sent to %s via %s\n", mac, opts.broadcast)

	if opts.host == "" {
		return nil
	}
	if opts.checkPort <= 0 || opts.checkPort > 65535 {
		return fmt.Errorf("invalid --check-port %d", opts.checkPort)
	}

	addr := net.JoinHostPort(opts.host, strconv.Itoa(opts.checkPort))
	fmt.Fprintf(out, "Waiting up to %s for %s...\n", opts.wait, addr)
	waitOpts := wol.DefaultWaitOptions()
	waitOpts.MaxWait = opts.wait
	if err := wol.WaitUntilReachable(ctx, addr, waitOpts); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s is up\n", addr)
	return nil
}

// apiClient talks to the wakeproxy management API.
type apiClient struct {
	baseURL string
	http    *http.Client
}

type apiError struct {
	Error string `json:"error"`
}

func (c *apiClient) do(ctx context.Context, method, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", c.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var e apiError
		if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

type machineList struct {
	Machines []struct {
		MAC          string `json:"mac"`
		IP           string `json:"ip"`
		Name         string `json:"name"`
		Description  string `json:"description"`
		PortForwards []struct {
			Name       string `json:"name"`
			LocalPort  int    `json:"local_port"`
			TargetPort int    `json:"target_port"`
		} `json:"port_forwards"`
		Forwarders []struct {
			LocalPort int    `json:"local_port"`
			Running   bool   `json:"running"`
			Error     string `json:"error"`
		} `json:"forwarders"`
	} `json:"machines"`
}

func runList(ctx context.Context, out io.Writer, api *apiClient) error {
	var list machineList
	if err := api.do(ctx, http.MethodGet, "/api/v1/machines", &list); err != nil {
		return err
	}

	if len(list.Machines) == 0 {
		fmt.Fprintln(out, "No machines registered.")
		return nil
	}

	for _, m := range list.Machines {
		fmt.Fprintf(out, "%s  %s  %s", m.Name, m.MAC, m.IP)
		if m.Description != "" {
			fmt.Fprintf(out, "  (%s)", m.Description)
		}
		fmt.Fprintln(out)

		state := make(map[int]string, len(m.Forwarders))
		for _, f := range m.Forwarders {
			switch {
			case f.Running:
				state[f.LocalPort] = "running"
			case f.Error != "":
				state[f.LocalPort] = "failed: " + f.Error
			default:
				state[f.LocalPort] = "stopped"
			}
		}
		for _, pf := range m.PortForwards {
			label := ""
			if pf.Name != "" {
				label = " [" + pf.Name + "]"
			}
			fmt.Fprintf(out, "  :%d -> %d%s %s\n", pf.LocalPort, pf.TargetPort, label, state[pf.LocalPort])
		}
	}
	return nil
}

func runAction(ctx context.Context, out io.Writer, api *apiClient, mac, action string) error {
	var resp struct {
		Status string `json:"status"`
		MAC    string `json:"mac"`
	}
	path := "/api/v1/machines/" + url.PathEscape(mac) + "/" + action
	if err := api.do(ctx, http.MethodPost, path, &resp); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %s\n", resp.MAC, resp.Status)
	return nil
}
