package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/stockflow_backend/config"
	"github.com/mmdatafocus/stockflow_backend/models"
	"github.com/mmdatafocus/stockflow_backend/utils"
	"github.com/sirupsen/logrus"
)

// Rebuilds the real-time balance and projected movement rows for one
// product code (or every known code) from the raw ledgers. Use after a
// bug, a manual DB fix, or a unification change that predates the
// automatic rebuild hooks.
func main() {
	productCode := flag.String("product-code", "", "Optional: rebuild a single product code (all codes when empty)")
	userID := flag.Int("user-id", 1, "User id recorded on rebuilt rows")
	continueOnError := flag.Bool("continue-on-error", false, "Skip failing codes and continue rebuilding others")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := logrus.New()

	ctx := utils.SetUserIdInContext(context.Background(), *userID)

	var codes []string
	if strings.TrimSpace(*productCode) != "" {
		codes = []string{strings.TrimSpace(*productCode)}
	} else {
		err := db.Raw(`
			SELECT product_code FROM stock_movements
			UNION
			SELECT product_code FROM real_time_balances
			UNION
			SELECT product_code FROM backlog_lines
		`).Scan(&codes).Error
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to list product codes: %v\n", err)
			os.Exit(1)
		}
	}

	var failed int
	for _, code := range codes {
		if err := models.RebuildProductAggregates(ctx, code); err != nil {
			failed++
			logger.WithFields(logrus.Fields{
				"product_code": code,
			}).Error("rebuild failed: " + err.Error())
			if !*continueOnError {
				os.Exit(1)
			}
			continue
		}
		logger.WithFields(logrus.Fields{
			"product_code": code,
		}).Info("rebuilt")
	}

	fmt.Printf("rebuilt %d of %d product codes\n", len(codes)-failed, len(codes))
	if failed > 0 {
		os.Exit(1)
	}
}
