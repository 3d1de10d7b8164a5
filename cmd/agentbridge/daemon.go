package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/agentbridge/internal/agent"
	"github.com/fentz26/agentbridge/internal/broker"
	"github.com/fentz26/agentbridge/internal/commands"
	"github.com/fentz26/agentbridge/internal/config"
	"github.com/fentz26/agentbridge/internal/controlplane"
	"github.com/fentz26/agentbridge/internal/scheduler"
	"github.com/fentz26/agentbridge/internal/store"
	"github.com/fentz26/agentbridge/internal/tools"
	"github.com/fentz26/agentbridge/internal/transport"
)

var (
	listenAddr string
	dbPath     string
	relayURL   string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the agentbridge daemon",
	Long:  `Starts the agentbridge daemon: chat relay, session broker, cron scheduler, and the HTTP control plane.`,
	RunE:  runDaemon,
}

func init() {
	homeDir, _ := os.UserHomeDir()
	defaultDB := filepath.Join(homeDir, ".agentbridge", "agentbridge.db")

	daemonCmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:7667", "Listen address for the API server")
	daemonCmd.Flags().StringVar(&dbPath, "db", defaultDB, "Path to SQLite database")
	daemonCmd.Flags().StringVar(&relayURL, "relay", "http://127.0.0.1:7668", "Base URL of the chat relay")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log.Println("Starting agentbridge daemon...")

	st, err := store.New(dbPath)
	if err != nil {
		return err
	}

	cfg := config.New(st)
	if err := cfg.InitDefaults(); err != nil {
		st.Close()
		return err
	}

	relay := transport.NewRelay(relayURL)
	queue := transport.NewQueue(relay, transport.DefaultQueueSize)

	registry := tools.NewRegistry()
	runtime := agent.NewClaudeCLI()
	brk := broker.New(st, cfg, runtime, queue, registry)
	sched := scheduler.New(st, brk)
	if err := tools.RegisterSchedulerTools(registry, st, sched.Sync); err != nil {
		st.Close()
		return err
	}
	cmds := commands.New(st, cfg, brk, queue)

	service := controlplane.NewService(st, cfg, brk, sched, relay, cmds)
	server := controlplane.NewServer(service, listenAddr)

	// Inbound chat events flow from the relay into the service; the
	// control plane's /inbound webhook feeds the same handler.
	relay.SetInboundHandler(func(msg transport.Inbound) {
		if err := service.Inbound(context.Background(), msg.Sender, msg.Text, msg.DisplayName); err != nil {
			log.Printf("inbound from %s rejected: %v", msg.Sender, err)
		}
	})
	relay.SetOnReconnect(func() {
		queue.Drain(context.Background())
	})

	connectCtx, connectCancel := context.WithCancel(context.Background())
	defer connectCancel()
	if err := relay.Connect(connectCtx); err != nil {
		log.Printf("relay connect: %v (will keep retrying)", err)
	}

	sched.Start()
	defer sched.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, initiating graceful shutdown...", sig)
	case err := <-serverErr:
		if err != nil {
			log.Printf("Server error: %v", err)
			st.Close()
			return err
		}
	}

	brk.Abort()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Println("Shutting down HTTP server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("Disconnecting relay...")
	if err := relay.Disconnect(); err != nil {
		log.Printf("Relay disconnect error: %v", err)
	}

	log.Println("Closing database connection...")
	if err := st.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}

	log.Println("Shutdown complete")
	return nil
}
