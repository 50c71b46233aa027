package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"kernelbridge/internal/binding"
	cliconfig "kernelbridge/internal/cli/config"
	"kernelbridge/internal/frontend"
)

type rootOptions struct {
	configPath string
	dataDir    string
	verbose    bool
	maxWait    time.Duration

	cfg    *cliconfig.Config
	logger *slog.Logger
}

func (r *rootOptions) prepare() error {
	cfg, err := cliconfig.Load(r.configPath)
	if err != nil {
		return err
	}
	r.cfg = cfg
	level := slog.LevelInfo
	if r.verbose {
		level = slog.LevelDebug
	}
	r.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return nil
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "kernelbridge",
		Short: "Run code against named execution targets",
	}
	defaultConfig := os.Getenv("KERNELBRIDGE_CONFIG")
	if defaultConfig == "" {
		defaultConfig = cliconfig.DefaultConfigPath()
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfig, "path to kernelbridge config file (default $HOME/.kernelbridge/config)")
	rootCmd.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "state directory for connection files (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&opts.verbose, "verbose", false, "enable debug logging")
	rootCmd.PersistentFlags().DurationVar(&opts.maxWait, "max-wait", 0, "bound each execution's wall time; 0 waits forever")
	rootCmd.PersistentPreRunE = func(*cobra.Command, []string) error {
		return opts.prepare()
	}

	rootCmd.AddCommand(newBindingCmd(opts))
	rootCmd.AddCommand(newExecCmd(opts))
	rootCmd.AddCommand(newInterruptCmd(opts))
	rootCmd.AddCommand(newUploadCmd(opts))
	rootCmd.AddCommand(newDownloadCmd(opts))
	rootCmd.AddCommand(newServeCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func newBindingCmd(root *rootOptions) *cobra.Command {
	bindingCmd := &cobra.Command{
		Use:   "binding",
		Short: "Manage execution targets",
	}
	bindingCmd.AddCommand(newBindingSetCmd(root))
	bindingCmd.AddCommand(newBindingListCmd(root))
	bindingCmd.AddCommand(newBindingDeleteCmd(root))
	return bindingCmd
}

type bindingSetFlags struct {
	kernel          string
	connType        string
	host            string
	user            string
	identityFile    string
	timeout         time.Duration
	sudo            bool
	hostKeyChecking bool
	containerID     string
}

func newBindingSetCmd(root *rootOptions) *cobra.Command {
	opts := &bindingSetFlags{}
	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Create or update a binding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			conn := binding.Connection{
				Type:            binding.ConnectionType(opts.connType),
				Host:            opts.host,
				User:            opts.user,
				IdentityFile:    opts.identityFile,
				Timeout:         opts.timeout,
				Sudo:            opts.sudo,
				HostKeyChecking: opts.hostKeyChecking,
				ContainerID:     opts.containerID,
			}
			// Infer the type from the target flags when not given explicitly.
			if !cmd.Flags().Changed("type") {
				if opts.host != "" {
					conn.Type = binding.ConnectionSSH
				}
				if opts.containerID != "" {
					conn.Type = binding.ConnectionContainer
				}
			}
			if root.cfg.Bindings == nil {
				root.cfg.Bindings = make(map[string]*cliconfig.Binding)
			}
			existing := root.cfg.Bindings[name]
			if existing != nil {
				if opts.kernel == "" {
					opts.kernel = existing.Kernel
				}
				// Keep the stored connection unless the caller re-specified it.
				if !cmd.Flags().Changed("type") && !cmd.Flags().Changed("host") && !cmd.Flags().Changed("container-id") {
					conn = existing.Connection
				}
			}
			if err := conn.Validate(); err != nil {
				return err
			}
			if opts.kernel != "" && !kernelSupported(opts.kernel) {
				return fmt.Errorf("unsupported kernel %q (supported: %s)", opts.kernel, strings.Join(binding.SupportedKernels, ", "))
			}
			root.cfg.Bindings[name] = &cliconfig.Binding{Kernel: opts.kernel, Connection: conn}
			if err := root.cfg.Save(root.configPath); err != nil {
				return err
			}
			fmt.Printf("binding %s -> %s\n", name, describeTarget(conn))
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.kernel, "kernel", "", "kernel flavor: shell|python (default shell)")
	cmd.Flags().StringVar(&opts.connType, "type", "local", "connection type: local|ssh|container")
	cmd.Flags().StringVar(&opts.host, "host", "", "remote host[:port] for ssh bindings")
	cmd.Flags().StringVar(&opts.user, "user", "", "remote username")
	cmd.Flags().StringVar(&opts.identityFile, "identity-file", "", "private key for ssh auth")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "ssh connect timeout; defaults to 10s")
	cmd.Flags().BoolVar(&opts.sudo, "sudo", false, "manage the remote backend with sudo")
	cmd.Flags().BoolVar(&opts.hostKeyChecking, "host-key-checking", false, "verify the host against known_hosts")
	cmd.Flags().StringVar(&opts.containerID, "container-id", "", "container to attach to for container bindings")
	return cmd
}

func kernelSupported(kernel string) bool {
	for _, k := range binding.SupportedKernels {
		if k == kernel {
			return true
		}
	}
	return false
}

func describeTarget(conn binding.Connection) string {
	switch conn.Type {
	case binding.ConnectionSSH:
		if conn.User != "" {
			return fmt.Sprintf("ssh %s@%s", conn.User, conn.Host)
		}
		return "ssh " + conn.Host
	case binding.ConnectionContainer:
		return "container " + conn.ContainerID
	default:
		return "local"
	}
}

func newBindingListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured bindings",
		RunE: func(*cobra.Command, []string) error {
			reg := binding.NewRegistry(root.logger)
			if err := root.cfg.Seed(reg); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tKERNEL\tTYPE\tTARGET")
			for _, b := range reg.List() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", b.Name, b.Kernel, b.Connection.Type, describeTarget(b.Connection))
			}
			return tw.Flush()
		},
	}
}

func newBindingDeleteCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a binding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if _, ok := root.cfg.Bindings[name]; !ok {
				return fmt.Errorf("binding %s not found", name)
			}
			delete(root.cfg.Bindings, name)
			if err := root.cfg.Save(root.configPath); err != nil {
				return err
			}
			fmt.Printf("binding %s removed\n", name)
			return nil
		},
	}
}

func newExecCmd(root *rootOptions) *cobra.Command {
	var files []string
	var stopOnError bool
	cmd := &cobra.Command{
		Use:   "exec <binding> [code]",
		Short: "Execute code on a binding's backend",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			cells, err := collectCells(args[1:], files)
			if err != nil {
				return err
			}
			if len(cells) == 0 {
				return fmt.Errorf("no code given: pass it as an argument or via --file")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			app, err := root.buildApp(streamPrinter{})
			if err != nil {
				return err
			}
			defer app.orch.Shutdown(context.Background())

			failed := false
			for _, cell := range cells {
				res, err := app.orch.Execute(ctx, name, cell)
				if err != nil {
					return err
				}
				if res.Status != "ok" {
					failed = true
					if res.Aborted(stopOnError) {
						return fmt.Errorf("execution failed, remaining cells skipped")
					}
				}
			}
			if failed {
				return fmt.Errorf("execution finished with errors")
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&files, "file", nil, "file whose contents run as one cell (repeatable)")
	cmd.Flags().BoolVar(&stopOnError, "stop-on-error", false, "skip remaining cells after a failed one")
	return cmd
}

func collectCells(args, files []string) ([]string, error) {
	var cells []string
	if len(args) > 0 {
		cells = append(cells, strings.Join(args, " "))
	}
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		cells = append(cells, string(data))
	}
	return cells, nil
}

func newInterruptCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "interrupt <binding>",
		Short: "Send SIGINT to a binding's running backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := root.buildApp(nil)
			if err != nil {
				return err
			}
			return app.orch.Interrupt(cmd.Context(), args[0])
		},
	}
}

func newUploadCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <binding> <local-path> <remote-path>",
		Short: "Copy a local path to the binding's backend",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			app, err := root.buildApp(nil)
			if err != nil {
				return err
			}
			defer app.orch.Shutdown(context.Background())
			return app.orch.Upload(ctx, args[0], args[1], args[2], transferProgress("uploading"))
		},
	}
}

func newDownloadCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "download <binding> <remote-path> <local-path>",
		Short: "Copy a path from the binding's backend",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			app, err := root.buildApp(nil)
			if err != nil {
				return err
			}
			defer app.orch.Shutdown(context.Background())
			return app.orch.Download(ctx, args[0], args[1], args[2], transferProgress("downloading"))
		},
	}
}

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Keep sessions alive and sync binding state over NATS",
		RunE: func(*cobra.Command, []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := root.buildApp(nil)
			if err != nil {
				return err
			}
			defer app.orch.Shutdown(context.Background())

			conn, err := frontend.Connect(frontend.ConnConfig{
				URL:      root.cfg.NATS.URL,
				User:     root.cfg.NATS.User,
				Password: root.cfg.NATS.Password,
			})
			if err != nil {
				return err
			}
			defer frontend.Shutdown(conn)

			syncer := frontend.NewSync(frontend.Config{
				Bus:      conn,
				Registry: app.registry,
				Logger:   app.logger,
			})
			if err := syncer.Start(); err != nil {
				return err
			}
			defer syncer.Close()

			go app.monitor.Run(ctx)

			app.logger.Info("kernelbridge serving", "bindings", len(app.registry.List()))
			<-ctx.Done()
			app.logger.Info("shutting down")
			return nil
		},
	}
}
