package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/priceops/repricer/config"
	"github.com/priceops/repricer/internal/audit"
	"github.com/priceops/repricer/internal/connector"
	"github.com/priceops/repricer/internal/domain"
	"github.com/priceops/repricer/internal/repository"
	"github.com/priceops/repricer/internal/selector"
	"github.com/priceops/repricer/internal/service"
	v1 "github.com/priceops/repricer/internal/transport/http/v1"
	"github.com/priceops/repricer/policy"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting repricer...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Database: %s", cfg.DatabaseURL)
	log.Printf("Push concurrency: %d", cfg.PushConcurrency)

	// Initialize store
	db, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	// Initialize catalog and selector
	catalog, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		log.Fatalf("Failed to load catalog: %v", err)
	}
	sel, err := selector.NewCELSelector(catalog)
	if err != nil {
		log.Fatalf("Failed to initialize selector: %v", err)
	}

	// Initialize connector. The in-memory connector serves local runs; a
	// storefront-backed connector plugs in here.
	conn := connector.NewMemoryConnector()

	// Initialize policy engine
	ctx := context.Background()
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Initialize service
	svc := service.New(db, sel, catalog, conn, audit.NewStoreRecorder(db), policyEngine, cfg)

	// Start the scheduled-run sweeper
	schedulerCtx, stopScheduler := context.WithCancel(ctx)
	go svc.RunScheduler(schedulerCtx)

	// Create Echo server
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Register routes
	h := v1.NewHandler(svc)
	h.RegisterRoutes(e)

	// Start server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Printf("API started on port %d", cfg.HTTPPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down repricer...")
	stopScheduler()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Repricer stopped")
}

// catalogEntry is one product in the catalog seed file.
type catalogEntry struct {
	ProductID string               `json:"product_id"`
	VariantID string               `json:"variant_id,omitempty"`
	SKU       string               `json:"sku"`
	Vendor    string               `json:"vendor"`
	Tags      []string             `json:"tags,omitempty"`
	Price     domain.PriceSnapshot `json:"price"`
}

func loadCatalog(path string) (*selector.MemoryCatalog, error) {
	catalog := selector.NewMemoryCatalog()
	if path == "" {
		return catalog, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file %s: %w", path, err)
	}
	var entries []catalogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file %s: %w", path, err)
	}

	for _, entry := range entries {
		catalog.Add(selector.Product{
			ProductID: entry.ProductID,
			VariantID: entry.VariantID,
			SKU:       entry.SKU,
			Vendor:    entry.Vendor,
			Tags:      entry.Tags,
			Price:     entry.Price,
		})
	}
	log.Printf("Loaded %d catalog products from %s", len(entries), path)
	return catalog, nil
}
