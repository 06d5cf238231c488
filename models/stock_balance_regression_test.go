package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/stockflow_backend/config"
	"github.com/mmdatafocus/stockflow_backend/models"
	"github.com/mmdatafocus/stockflow_backend/utils"
	"github.com/mmdatafocus/stockflow_backend/workflow"
	"github.com/shopspring/decimal"
)

func setupIntegrationEnv(t *testing.T) context.Context {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "stockflow_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx := utils.SetUserIdInContext(context.Background(), 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")
	return ctx
}

func TestStockMovement_BalanceRoundTrip(t *testing.T) {
	ctx := setupIntegrationEnv(t)

	entry, err := models.CreateStockMovement(ctx, &models.NewStockMovement{
		ProductCode:  "RT-P1",
		MovementDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		MovementType: "Entry",
		Quantity:     decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("CreateStockMovement(entry): %v", err)
	}
	if _, err := models.CreateStockMovement(ctx, &models.NewStockMovement{
		ProductCode:  "RT-P1",
		MovementDate: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		MovementType: "Exit",
		Quantity:     decimal.NewFromInt(30),
	}); err != nil {
		t.Fatalf("CreateStockMovement(exit): %v", err)
	}

	balance, err := models.GetRealTimeBalance(ctx, "RT-P1")
	if err != nil {
		t.Fatalf("GetRealTimeBalance: %v", err)
	}
	if balance.Cmp(decimal.NewFromInt(70)) != 0 {
		t.Fatalf("expected balance=70; got %s", balance.String())
	}

	// Editing only the comment must leave the balance untouched.
	if _, err := models.UpdateStockMovement(ctx, entry.ID, &models.NewStockMovement{
		ProductCode:  entry.ProductCode,
		MovementDate: entry.MovementDate,
		MovementType: string(entry.MovementType),
		Quantity:     entry.Quantity,
		Comment:      "counted twice",
	}); err != nil {
		t.Fatalf("UpdateStockMovement(comment): %v", err)
	}
	balance, _ = models.GetRealTimeBalance(ctx, "RT-P1")
	if balance.Cmp(decimal.NewFromInt(70)) != 0 {
		t.Fatalf("comment-only update changed balance; got %s", balance.String())
	}

	// Correcting the entry from 100 to 80 applies a net delta of -20.
	if _, err := models.UpdateStockMovement(ctx, entry.ID, &models.NewStockMovement{
		ProductCode:  entry.ProductCode,
		MovementDate: entry.MovementDate,
		MovementType: string(entry.MovementType),
		Quantity:     decimal.NewFromInt(80),
	}); err != nil {
		t.Fatalf("UpdateStockMovement(qty): %v", err)
	}
	balance, _ = models.GetRealTimeBalance(ctx, "RT-P1")
	if balance.Cmp(decimal.NewFromInt(50)) != 0 {
		t.Fatalf("expected balance=50 after correction; got %s", balance.String())
	}

	// Deleting the entry reverses its contribution.
	if _, err := models.DeleteStockMovement(ctx, entry.ID); err != nil {
		t.Fatalf("DeleteStockMovement: %v", err)
	}
	balance, _ = models.GetRealTimeBalance(ctx, "RT-P1")
	if balance.Cmp(decimal.NewFromInt(-30)) != 0 {
		t.Fatalf("expected balance=-30 after delete; got %s", balance.String())
	}
}

func TestCodeUnification_BalancePropagatesToCluster(t *testing.T) {
	ctx := setupIntegrationEnv(t)

	if _, err := models.CreateStockMovement(ctx, &models.NewStockMovement{
		ProductCode:  "OLD-1",
		MovementDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		MovementType: "Entry",
		Quantity:     decimal.NewFromInt(40),
	}); err != nil {
		t.Fatalf("CreateStockMovement: %v", err)
	}

	if _, err := models.CreateProductCodeLink(ctx, &models.NewProductCodeLink{
		OriginCode:      "OLD-1",
		DestinationCode: "NEW-1",
	}); err != nil {
		t.Fatalf("CreateProductCodeLink: %v", err)
	}

	// The link rebuild folds existing history into both codes.
	for _, code := range []string{"OLD-1", "NEW-1"} {
		balance, err := models.GetRealTimeBalance(ctx, code)
		if err != nil {
			t.Fatalf("GetRealTimeBalance(%s): %v", code, err)
		}
		if balance.Cmp(decimal.NewFromInt(40)) != 0 {
			t.Fatalf("%s: expected balance=40; got %s", code, balance.String())
		}
	}

	// New movements on either code reach the whole cluster.
	if _, err := models.CreateStockMovement(ctx, &models.NewStockMovement{
		ProductCode:  "NEW-1",
		MovementDate: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		MovementType: "Exit",
		Quantity:     decimal.NewFromInt(15),
	}); err != nil {
		t.Fatalf("CreateStockMovement(cluster exit): %v", err)
	}
	for _, code := range []string{"OLD-1", "NEW-1"} {
		balance, _ := models.GetRealTimeBalance(ctx, code)
		if balance.Cmp(decimal.NewFromInt(25)) != 0 {
			t.Fatalf("%s: expected balance=25; got %s", code, balance.String())
		}
	}

	// A second outgoing edge from the same origin must be refused.
	if _, err := models.CreateProductCodeLink(ctx, &models.NewProductCodeLink{
		OriginCode:      "OLD-1",
		DestinationCode: "OTHER-1",
	}); err == nil {
		t.Fatalf("expected conflicting outgoing edge to be rejected")
	}
}

func TestBacklogAllocation_InvariantAndPromotion(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	db := config.GetDB()

	line := models.BacklogLine{
		OrderNo:      "SO-100",
		ProductCode:  "BA-P1",
		RemainingQty: decimal.NewFromInt(10),
		UnitPrice:    decimal.RequireFromString("2.5"),
		CustomerName: "ACME",
	}
	if err := db.Create(&line).Error; err != nil {
		t.Fatalf("seed backlog line: %v", err)
	}

	expedition := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	allocation, err := models.CreateProvisionalAllocation(ctx, &models.NewProvisionalAllocation{
		OrderNo:        "SO-100",
		ProductCode:    "BA-P1",
		SelectedQty:    decimal.NewFromInt(6),
		ExpeditionDate: expedition,
	})
	if err != nil {
		t.Fatalf("CreateProvisionalAllocation: %v", err)
	}

	available, err := workflow.GetAvailableBalance(ctx, "SO-100", "BA-P1")
	if err != nil {
		t.Fatalf("GetAvailableBalance: %v", err)
	}
	if available.Cmp(decimal.NewFromInt(4)) != 0 {
		t.Fatalf("expected available=4; got %s", available.String())
	}

	if err := workflow.ValidateRequestedQty(ctx, "SO-100", "BA-P1", decimal.NewFromInt(5)); err == nil {
		t.Fatalf("expected validate(5) to fail the backlog invariant")
	}
	if err := workflow.ValidateRequestedQty(ctx, "SO-100", "BA-P1", decimal.NewFromInt(4)); err != nil {
		t.Fatalf("validate(4) must pass: %v", err)
	}

	outflowBefore := projectedOutflow(t, "BA-P1", expedition)
	if outflowBefore.Cmp(decimal.NewFromInt(6)) != 0 {
		t.Fatalf("expected projected outflow=6 before promotion; got %s", outflowBefore.String())
	}

	confirmed, err := models.PromoteProvisionalAllocation(ctx, allocation.ID)
	if err != nil {
		t.Fatalf("PromoteProvisionalAllocation: %v", err)
	}
	if confirmed.LotId != allocation.LotId {
		t.Fatalf("promotion must keep the lot id (got %s, want %s)", confirmed.LotId, allocation.LotId)
	}

	// A lot contributes outflow exactly once: promotion hands the
	// contribution over without changing the net.
	outflowAfter := projectedOutflow(t, "BA-P1", expedition)
	if outflowAfter.Cmp(outflowBefore) != 0 {
		t.Fatalf("promotion changed net projected outflow: before=%s after=%s",
			outflowBefore.String(), outflowAfter.String())
	}

	// The confirmed share still occupies the line.
	available, _ = workflow.GetAvailableBalance(ctx, "SO-100", "BA-P1")
	if available.Cmp(decimal.NewFromInt(4)) != 0 {
		t.Fatalf("expected available=4 after promotion; got %s", available.String())
	}
}

func TestBacklogQuantityChange_ReductionCascade(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	db := config.GetDB()

	line := models.BacklogLine{
		OrderNo:      "SO-200",
		ProductCode:  "QC-P1",
		RemainingQty: decimal.NewFromInt(10),
		UnitPrice:    decimal.NewFromInt(3),
		CustomerName: "ACME",
	}
	if err := db.Create(&line).Error; err != nil {
		t.Fatalf("seed backlog line: %v", err)
	}
	expedition := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	allocation, err := models.CreateProvisionalAllocation(ctx, &models.NewProvisionalAllocation{
		OrderNo:        "SO-200",
		ProductCode:    "QC-P1",
		SelectedQty:    decimal.NewFromInt(6),
		ExpeditionDate: expedition,
	})
	if err != nil {
		t.Fatalf("CreateProvisionalAllocation: %v", err)
	}

	// Upstream reduces the line from 10 to 2: free balance 4 absorbs
	// first, then the provisional goes 6 -> 2.
	if err := workflow.ApplyBacklogQuantityChange(ctx, &models.BacklogImportLine{
		OrderNo:      "SO-200",
		ProductCode:  "QC-P1",
		RemainingQty: decimal.NewFromInt(2),
		UnitPrice:    decimal.NewFromInt(3),
		CustomerName: "ACME",
	}); err != nil {
		t.Fatalf("ApplyBacklogQuantityChange: %v", err)
	}

	after, err := models.GetProvisionalAllocation(ctx, allocation.ID)
	if err != nil {
		t.Fatalf("GetProvisionalAllocation: %v", err)
	}
	if after.SelectedQty.Cmp(decimal.NewFromInt(2)) != 0 {
		t.Fatalf("expected allocation reduced to 2; got %s", after.SelectedQty.String())
	}

	available, err := workflow.GetAvailableBalance(ctx, "SO-200", "QC-P1")
	if err != nil {
		t.Fatalf("GetAvailableBalance: %v", err)
	}
	if !available.IsZero() {
		t.Fatalf("expected free balance fully absorbed; got %s", available.String())
	}

	// The projected outflow follows the reduced allocation.
	outflow := projectedOutflow(t, "QC-P1", expedition)
	if outflow.Cmp(decimal.NewFromInt(2)) != 0 {
		t.Fatalf("expected projected outflow=2; got %s", outflow.String())
	}

	// The audit trail records every tier, the untouched ones included.
	history, err := models.GetReconcileHistory(db, "SO-200", "QC-P1", 100)
	if err != nil {
		t.Fatalf("GetReconcileHistory: %v", err)
	}
	seen := map[models.ReconcileAction]bool{}
	for _, row := range history {
		seen[row.Action] = true
	}
	for _, action := range []models.ReconcileAction{
		models.ReconcileActionReduceFreeBalance,
		models.ReconcileActionReduceProvisional,
		models.ReconcileActionReduceConfirmedOpen,
		models.ReconcileActionReduceConfirmedQuoted,
	} {
		if !seen[action] {
			t.Fatalf("expected a history row for tier %s", action)
		}
	}
}

func TestBacklogQuantityChange_QuotedReductionIsCritical(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	db := config.GetDB()

	line := models.BacklogLine{
		OrderNo:      "SO-300",
		ProductCode:  "QC-P2",
		RemainingQty: decimal.NewFromInt(10),
		UnitPrice:    decimal.NewFromInt(3),
		CustomerName: "ACME",
	}
	if err := db.Create(&line).Error; err != nil {
		t.Fatalf("seed backlog line: %v", err)
	}
	quoted, err := models.CreateConfirmedAllocation(ctx, &models.NewConfirmedAllocation{
		OrderNo:        "SO-300",
		ProductCode:    "QC-P2",
		Qty:            decimal.NewFromInt(6),
		ExpeditionDate: time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC),
		OrderStatus:    "Quoted",
	})
	if err != nil {
		t.Fatalf("CreateConfirmedAllocation: %v", err)
	}

	// Upstream drops the line from 10 to 2: free balance 4 absorbs
	// first, then the quoted commitment itself must shrink 6 -> 2.
	if err := workflow.ApplyBacklogQuantityChange(ctx, &models.BacklogImportLine{
		OrderNo:      "SO-300",
		ProductCode:  "QC-P2",
		RemainingQty: decimal.NewFromInt(2),
		UnitPrice:    decimal.NewFromInt(3),
		CustomerName: "ACME",
	}); err != nil {
		t.Fatalf("ApplyBacklogQuantityChange: %v", err)
	}

	after, err := models.GetConfirmedAllocation(ctx, quoted.ID)
	if err != nil {
		t.Fatalf("GetConfirmedAllocation: %v", err)
	}
	if after.Qty.Cmp(decimal.NewFromInt(2)) != 0 {
		t.Fatalf("expected quoted allocation reduced to 2; got %s", after.Qty.String())
	}

	// Cutting into a quoted commitment must leave a critical audit row.
	history, err := models.GetReconcileHistory(db, "SO-300", "QC-P2", 100)
	if err != nil {
		t.Fatalf("GetReconcileHistory: %v", err)
	}
	var criticalQuoted bool
	for _, row := range history {
		if row.Action == models.ReconcileActionReduceConfirmedQuoted && row.IsCritical {
			if row.ReferenceId == quoted.ID && row.AbsorbedQty.Cmp(decimal.NewFromInt(4)) != 0 {
				t.Fatalf("expected quoted cut of 4; got %s", row.AbsorbedQty.String())
			}
			criticalQuoted = true
		}
	}
	if !criticalQuoted {
		t.Fatalf("expected a critical history row for the quoted reduction")
	}
}

func projectedOutflow(t *testing.T, productCode string, date time.Time) decimal.Decimal {
	t.Helper()
	db := config.GetDB()
	var total decimal.Decimal
	day, err := utils.ConvertToDate(date, "")
	if err != nil {
		t.Fatalf("ConvertToDate: %v", err)
	}
	err = db.Model(&models.ProjectedMovement{}).
		Select("COALESCE(SUM(outflow_qty), 0)").
		Where("product_code = ? AND movement_date = ?", productCode, day).
		Scan(&total).Error
	if err != nil {
		t.Fatalf("sum projected outflow: %v", err)
	}
	return total
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("stockflow-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("stockflow-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=stockflow_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
