package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/restdeck/restdeck/internal/collection"
	"github.com/restdeck/restdeck/internal/config"
	"github.com/restdeck/restdeck/internal/curl"
	"github.com/restdeck/restdeck/internal/httpclient"
	"github.com/restdeck/restdeck/internal/runner"
	"github.com/restdeck/restdeck/internal/scripts"
	"github.com/restdeck/restdeck/internal/store"
	"github.com/restdeck/restdeck/internal/vars"
)

func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [collection] <request>",
		Short: "Execute a stored request through the full pipeline",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runE,
	}

	addLoggingFlags(runCmd.Flags())
	runCmd.Flags().String("db", "", "Path to the database file (overrides settings)")
	runCmd.Flags().String("env", "", "Activate this environment before the run")
	runCmd.Flags().StringArray("var", nil, "Run-scoped variable (key=value), highest precedence")
	runCmd.Flags().Duration("timeout", 0, "Per-request timeout (overrides settings)")
	runCmd.Flags().Bool("body", false, "Print the response body to stdout")
	runCmd.Flags().Bool("curl", false, "Print the sent request as a curl command")

	return runCmd
}

func runE(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := loggerFromCmd(cmd)

	settings, _, err := config.LoadSettings()
	if err != nil {
		return err
	}
	dbPath := settings.DatabasePath()
	if flagDB, _ := cmd.Flags().GetString("db"); flagDB != "" {
		dbPath = flagDB
	}

	db, err := store.Open(ctx, dbPath)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetHistoryLimit(settings.HistoryLimit)

	if envName, _ := cmd.Flags().GetString("env"); envName != "" {
		if err := activateByName(cmd, db, envName); err != nil {
			return err
		}
	}

	var collectionName, requestName string
	if len(args) == 2 {
		collectionName, requestName = args[0], args[1]
	} else {
		requestName = args[0]
	}
	request, err := findRequest(cmd, db, collectionName, requestName)
	if err != nil {
		return err
	}

	timeout := settings.RequestTimeoutDuration()
	if flagTimeout, _ := cmd.Flags().GetDuration("timeout"); flagTimeout > 0 {
		timeout = flagTimeout
	}

	locals, err := parseLocals(cmd)
	if err != nil {
		return err
	}

	orch := runner.New(runner.Options{
		Store:   db,
		Scripts: scripts.NewRunner(scripts.Options{Timeout: settings.ScriptTimeoutDuration()}),
		Sender:  httpclient.NewClient(httpclient.Options{Timeout: timeout}),
		Logger:  logger,
	})

	result, err := orch.Execute(ctx, request, locals)
	if err != nil {
		return err
	}

	if printCurl, _ := cmd.Flags().GetBool("curl"); printCurl {
		fmt.Fprintln(cmd.OutOrStdout(), curl.Command(result.Request))
	}

	if result.SendError != "" {
		return fmt.Errorf("request failed: %s", result.SendError)
	}

	logger.Info("request complete",
		"method", result.Request.Method,
		"url", result.Request.URL,
		"status", result.Response.StatusCode,
		"time", result.Response.Time.Round(time.Millisecond).String(),
		"size", result.Response.Size)

	failed := 0
	for _, test := range result.Tests {
		if test.Passed {
			logger.Info("test passed", "name", test.Name)
			continue
		}
		failed++
		logger.Error("test failed", "name", test.Name, "message", test.Message)
	}

	if printBody, _ := cmd.Flags().GetBool("body"); printBody {
		fmt.Fprintln(cmd.OutOrStdout(), result.Response.Body)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d tests failed", failed, len(result.Tests))
	}
	return nil
}

func activateByName(cmd *cobra.Command, db *store.Store, name string) error {
	ctx := cmd.Context()
	environments, err := db.Environments(ctx)
	if err != nil {
		return err
	}
	for _, env := range environments {
		if strings.EqualFold(env.Name, name) {
			return db.ActivateEnvironment(ctx, env.ID)
		}
	}
	return fmt.Errorf("no environment named %q", name)
}

// findRequest resolves a request by name, optionally scoped to a
// collection. An exact id match wins over name matching.
func findRequest(cmd *cobra.Command, db *store.Store, collectionName, requestName string) (*collection.Node, error) {
	forest, err := db.LoadForest(cmd.Context())
	if err != nil {
		return nil, err
	}

	if node, ok := forest.Node(requestName); ok && node.Kind == collection.KindRequest {
		return node, nil
	}

	var collectionID string
	if collectionName != "" {
		for _, root := range forest.Collections() {
			if strings.EqualFold(root.Name, collectionName) {
				collectionID = root.ID
				break
			}
		}
		if collectionID == "" {
			return nil, fmt.Errorf("no collection named %q", collectionName)
		}
	}

	var matches []*collection.Node
	for _, row := range forest.Flatten() {
		if row.Kind != collection.KindRequest {
			continue
		}
		if collectionID != "" && row.CollectionID != collectionID {
			continue
		}
		if strings.EqualFold(row.Name, requestName) {
			matches = append(matches, row)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no request named %q", requestName)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("request name %q is ambiguous, scope it with a collection", requestName)
	}
}

func parseLocals(cmd *cobra.Command) ([]vars.Variable, error) {
	raw, _ := cmd.Flags().GetStringArray("var")
	locals := make([]vars.Variable, 0, len(raw))
	for _, pair := range raw {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --var %q, expected key=value", pair)
		}
		locals = append(locals, vars.Variable{Key: key, Value: value, Enabled: true})
	}
	return locals, nil
}
