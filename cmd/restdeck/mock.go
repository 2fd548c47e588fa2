package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/restdeck/restdeck/internal/mockserver"
)

func newMockCmd() *cobra.Command {
	mockCmd := &cobra.Command{
		Use:   "mock <routes.json>",
		Short: "Serve canned responses from a routes file until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE:  mockE,
	}

	addLoggingFlags(mockCmd.Flags())
	mockCmd.Flags().Int("port", 3001, "Port to bind on 127.0.0.1 (0 picks a free port)")
	mockCmd.Flags().String("id", "default", "Server id used in request log lines")

	return mockCmd
}

func mockE(cmd *cobra.Command, args []string) error {
	logger := loggerFromCmd(cmd)

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read routes %q: %w", args[0], err)
	}
	var routes []mockserver.Route
	if err := json.Unmarshal(data, &routes); err != nil {
		return fmt.Errorf("parse routes %q: %w", args[0], err)
	}
	if len(routes) == 0 {
		return fmt.Errorf("routes file %q defines no routes", args[0])
	}

	port, _ := cmd.Flags().GetInt("port")
	serverID, _ := cmd.Flags().GetString("id")

	manager := mockserver.NewManager(mockserver.Options{Logger: logger})
	boundPort, err := manager.Start(serverID, port, routes)
	if err != nil {
		return err
	}
	defer manager.StopAll()

	logger.Info("serving mock routes", "id", serverID, "port", boundPort, "routes", len(routes))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	return nil
}
