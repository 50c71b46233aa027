// kernelbridge-agent is the backend half of the launch contract: it starts
// a kernel server on ephemeral ports, announces the endpoint as a single
// JSON bootstrap line on stdout, and keeps serving after the launcher's
// shell goes away.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"kernelbridge/internal/agent"
	"kernelbridge/internal/provision"
	"kernelbridge/internal/wire"
)

func main() {
	var (
		kernel     = flag.String("kernel", "shell", "kernel flavor: shell|python")
		sessionID  = flag.String("session", "", "session identifier, for log correlation")
		key        = flag.String("key", "", "message signing key; generated when empty")
		ip         = flag.String("ip", "127.0.0.1", "address the channel ports bind to")
		foreground = flag.Bool("foreground", false, "serve in this process instead of daemonizing")
		logJSON    = flag.Bool("log-json", false, "emit logs as JSON")
	)
	flag.Parse()

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, nil)
	if *logJSON {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	}
	logger := slog.New(handler).With("session", *sessionID)

	if *foreground {
		serve(*kernel, *sessionID, *key, *ip, logger)
		return
	}

	if err := daemonize(); err != nil {
		logger.Error("launch failed", "err", err)
		os.Exit(1)
	}
}

// daemonize re-execs this binary detached, waits for the child to announce
// its endpoint over an inherited pipe, and prints the bootstrap object the
// launcher's provisioner parses. Stdout carries only that one line.
func daemonize() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	r, w, err := os.Pipe()
	if err != nil {
		return err
	}
	defer r.Close()

	args := append([]string{"--foreground"}, os.Args[1:]...)
	cmd := exec.Command(exe, args...)
	cmd.Stdout = nil
	cmd.Stderr = os.Stderr
	// fd 3 in the child.
	cmd.ExtraFiles = []*os.File{w}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		w.Close()
		return err
	}
	w.Close()

	var info wire.ConnectionInfo
	if err := json.NewDecoder(r).Decode(&info); err != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("kernel never announced its endpoint: %w", err)
	}
	desc := provision.Descriptor{PID: cmd.Process.Pid, Info: info}
	out, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return cmd.Process.Release()
}

func serve(kernel, sessionID, key, ip string, logger *slog.Logger) {
	if key == "" {
		key = uuid.NewString()
	}
	srv, err := agent.Start(agent.Config{
		Kernel:    kernel,
		IP:        ip,
		Key:       key,
		SessionID: sessionID,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("starting kernel", "err", err)
		os.Exit(1)
	}

	if err := announce(srv.Info()); err != nil {
		srv.Close()
		logger.Error("announcing endpoint", "err", err)
		os.Exit(1)
	}
	logger.Info("kernel ready", "kernel", kernel, "ip", ip)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	for sig := range sigs {
		if sig == syscall.SIGINT {
			// Interrupt aborts the running execution, not the server.
			srv.Interrupt()
			continue
		}
		logger.Info("shutting down", "signal", sig.String())
		srv.Close()
		return
	}
}

// announce writes the connection object to the bootstrap pipe when running
// under the daemonizing parent, or to stdout when run by hand.
func announce(info wire.ConnectionInfo) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	pipe := os.NewFile(3, "bootstrap")
	if pipe != nil {
		if _, err := pipe.Write(payload); err == nil {
			return pipe.Close()
		}
		pipe.Close()
	}
	_, err = os.Stdout.Write(payload)
	return err
}
