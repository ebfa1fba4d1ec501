package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wolfstream/host/internal/config"
	"github.com/wolfstream/host/internal/daemon"
	"github.com/wolfstream/host/internal/runtime"
	wolfversion "github.com/wolfstream/host/internal/version"
)

const shutdownGracePeriod = 10 * time.Second

func main() {
	var (
		instance     string
		httpAddr     string
		rtspAddr     string
		rtspHostname string
	)

	rootCmd := &cobra.Command{
		Use:           "wolfd",
		Short:         "wolfd - self-hosted GameStream-compatible streaming host",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(instance, httpAddr, rtspAddr, rtspHostname)
		},
	}
	rootCmd.Version = wolfversion.FormatVersion(wolfversion.String())
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	rootCmd.Flags().StringVar(&instance, "instance", config.DefaultInstance, "instance name (selects ~/.wolf/instances/<name>)")
	rootCmd.Flags().StringVar(&httpAddr, "http-addr", "", "pairing/launch HTTP(S) listen address")
	rootCmd.Flags().StringVar(&rtspAddr, "rtsp-addr", "", "RTSP listen address")
	rootCmd.Flags().StringVar(&rtspHostname, "rtsp-hostname", "", "hostname/IP advertised in launch's sessionUrl")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(instance, httpAddr, rtspAddr, rtspHostname string) error {
	paths, err := config.EnsureDirs(instance)
	if err != nil {
		return fmt.Errorf("prepare instance directories: %w", err)
	}

	if err := setupLogging(paths); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logging: %v\n", err)
	}

	pidPath := filepath.Join(paths.RunDir, "wolfd.pid")
	if pid, running := runningPID(pidPath); running {
		return fmt.Errorf("wolfd already running (pid %d)", pid)
	}
	if err := runtime.WritePIDFile(pidPath, os.Getpid()); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer runtime.RemovePIDFile(pidPath)

	d, err := daemon.New(daemon.Options{
		InstanceName: instance,
		HTTPAddr:     httpAddr,
		RTSPAddr:     rtspAddr,
		RTSPHostname: rtspHostname,
	})
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := d.Start(context.Background()); err != nil {
			errChan <- err
			return
		}
		if err, ok := <-d.Errors(); ok {
			errChan <- err
		}
	}()

	log.Printf("wolfd started (PID: %d, instance: %s)", os.Getpid(), instance)

	select {
	case sig := <-sigChan:
		log.Printf("received signal %s, shutting down", sig)
	case err := <-errChan:
		log.Printf("daemon error: %v", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := d.Shutdown(shutdownCtx); err != nil {
		log.Printf("error during shutdown: %v", err)
	}

	log.Println("wolfd stopped")
	return nil
}

// runningPID reports whether the pid recorded at pidPath still belongs to a
// live process, so a second wolfd instance refuses to start against the
// same instance directory.
func runningPID(pidPath string) (int, bool) {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, false
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil || pid <= 0 {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	return pid, true
}

func setupLogging(paths config.Paths) error {
	logPath := filepath.Join(paths.Logs, "wolfd.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	multi := io.MultiWriter(os.Stdout, logFile)
	log.SetOutput(multi)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	log.Printf("=== wolfd starting (PID: %d) ===", os.Getpid())
	log.Printf("log file: %s", logPath)
	return nil
}
