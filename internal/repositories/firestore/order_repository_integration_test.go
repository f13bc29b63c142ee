//go:build integration

package firestore

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/groundcycle/api/internal/domain"
	pconfig "github.com/groundcycle/api/internal/platform/config"
	pfirestore "github.com/groundcycle/api/internal/platform/firestore"
	"github.com/groundcycle/api/internal/repositories"
)

func TestOrderRepositoryIntegration(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}

	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })

	waitForEndpoint(t, endpoint, 30*time.Second)

	cfg := pconfig.FirestoreConfig{
		ProjectID:    "order-test",
		EmulatorHost: endpoint,
	}

	provider := pfirestore.NewProvider(cfg)
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	repo, err := NewOrderRepository(provider)
	if err != nil {
		t.Fatalf("new order repository: %v", err)
	}
	products, err := NewProductRepository(provider)
	if err != nil {
		t.Fatalf("new product repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	client, err := provider.Client(ctx)
	if err != nil {
		t.Fatalf("provider client: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	seed := map[string]any{
		"sellerId":   "seller_1",
		"title":      "Arabica grounds",
		"unitPrice":  int64(15000),
		"currency":   "IDR",
		"unit":       "kg",
		"stock":      "5",
		"coffeeType": "arabica",
		"active":     true,
		"updatedAt":  now,
	}
	if _, err := client.Collection(productsCollection).Doc("prod_001").Set(ctx, seed); err != nil {
		t.Fatalf("seed product: %v", err)
	}

	order := domain.Order{
		ID:       1001,
		UserID:   "buyer_1",
		Status:   domain.OrderStatusNew,
		Subtotal: 45000,
		Total:    45000,
		Currency: "IDR",
		ShippingAddress: domain.Address{
			Recipient:  "Test Buyer",
			Street:     "Jl. Kopi 1",
			City:       "Bandung",
			PostalCode: "40111",
		},
		ShippingStatus: domain.ShippingStatusPending,
		Items: []domain.OrderItem{
			{ProductID: "prod_001", Title: "Arabica grounds", UnitPrice: 15000, Quantity: decimal.NewFromInt(3), Unit: "kg"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	decrements := []repositories.StockDecrement{
		{ProductID: "prod_001", Quantity: decimal.NewFromInt(3)},
	}

	result, err := repo.Create(ctx, order, decrements)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(result.Violations) != 0 {
		t.Fatalf("unexpected violations: %+v", result.Violations)
	}
	if result.Order.Status != domain.OrderStatusNew {
		t.Fatalf("expected new status, got %s", result.Order.Status)
	}

	product, err := products.FindByID(ctx, "prod_001")
	if err != nil {
		t.Fatalf("find product: %v", err)
	}
	if !product.Stock.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected stock 2 after checkout, got %s", product.Stock)
	}

	// A second order asking for more than the remaining stock must write
	// nothing: no order document, no stock change.
	over := order
	over.ID = 1002
	overResult, err := repo.Create(ctx, over, []repositories.StockDecrement{
		{ProductID: "prod_001", Quantity: decimal.NewFromInt(3)},
	})
	if err != nil {
		t.Fatalf("create over stock: %v", err)
	}
	if len(overResult.Violations) != 1 {
		t.Fatalf("expected one violation, got %+v", overResult.Violations)
	}
	v := overResult.Violations[0]
	if v.ProductID != "prod_001" || !v.Available.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("unexpected violation: %+v", v)
	}
	if _, err := repo.FindByID(ctx, 1002); err == nil {
		t.Fatalf("expected rejected order to be absent")
	}
	product, err = products.FindByID(ctx, "prod_001")
	if err != nil {
		t.Fatalf("find product after rejection: %v", err)
	}
	if !product.Stock.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected stock untouched at 2, got %s", product.Stock)
	}

	cancelled := result.Order
	cancelled.Status = domain.OrderStatusCancelled
	cancelled.ShippingStatus = domain.ShippingStatusCancelled
	cancelled.UpdatedAt = now.Add(time.Minute)
	if err := repo.CancelWithRestock(ctx, cancelled, decrements); err != nil {
		t.Fatalf("cancel with restock: %v", err)
	}
	product, err = products.FindByID(ctx, "prod_001")
	if err != nil {
		t.Fatalf("find product after cancel: %v", err)
	}
	if !product.Stock.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected stock restored to 5, got %s", product.Stock)
	}

	loaded, err := repo.FindByID(ctx, 1001)
	if err != nil {
		t.Fatalf("find cancelled order: %v", err)
	}
	if loaded.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled status, got %s", loaded.Status)
	}

	listed, err := repo.ListByUser(ctx, "buyer_1", repositories.OrderListFilter{})
	if err != nil {
		t.Fatalf("list by user: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != 1001 {
		t.Fatalf("unexpected order list: %+v", listed)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	args := []string{
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	}

	cmd := exec.Command("docker", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		t.Fatalf("docker daemon not available: %v", err)
	}
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "stop", id)
	_ = cmd.Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("firestore emulator at %s did not become ready within %s", endpoint, timeout)
}

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"
