package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/mmdatafocus/stockflow_backend/config"
	"github.com/mmdatafocus/stockflow_backend/models"
	"github.com/mmdatafocus/stockflow_backend/utils"
	"github.com/mmdatafocus/stockflow_backend/workflow"
)

// Runs a backlog reimport from a JSON file instead of the HTTP endpoint.
// Meant for scheduled imports and for replaying an upstream payload by
// hand when investigating a cascade.
func main() {
	filePath := flag.String("file", "", "Required: path to a JSON array of backlog lines")
	userID := flag.Int("user-id", 1, "User id recorded on touched rows")
	dryRun := flag.Bool("dry-run", false, "Parse and validate the payload without applying it")
	flag.Parse()

	if strings.TrimSpace(*filePath) == "" {
		fmt.Fprintln(os.Stderr, "--file is required")
		os.Exit(1)
	}

	raw, err := os.ReadFile(*filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read payload: %v\n", err)
		os.Exit(1)
	}

	var lines []models.BacklogImportLine
	if err := json.Unmarshal(raw, &lines); err != nil {
		fmt.Fprintf(os.Stderr, "invalid payload: %v\n", err)
		os.Exit(1)
	}
	for i, line := range lines {
		if line.OrderNo == "" || line.ProductCode == "" {
			fmt.Fprintf(os.Stderr, "line %d: order_no and product_code are required\n", i)
			os.Exit(1)
		}
		if line.RemainingQty.IsNegative() {
			fmt.Fprintf(os.Stderr, "line %d: remaining_qty must not be negative\n", i)
			os.Exit(1)
		}
	}

	if *dryRun {
		fmt.Printf("payload ok: %d lines\n", len(lines))
		return
	}

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	ctx := utils.SetUserIdInContext(context.Background(), *userID)
	ctx = utils.SetCorrelationIdInContext(ctx, uuid.NewString())

	if err := workflow.ReimportBacklog(ctx, lines); err != nil {
		fmt.Fprintf(os.Stderr, "reimport failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("reimported %d lines\n", len(lines))
}
