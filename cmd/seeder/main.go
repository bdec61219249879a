//cmd/seeder/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/unclebandit/retention-engine/internal/app"
	"github.com/unclebandit/retention-engine/internal/config"
)

func main() {
	file := flag.String("file", "seed/customers.json", "customer fixture to load")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.StoreDriver == "memory" {
		log.Fatal("the memory store is seeded by the server itself from SEED_FILE; set STORE_DRIVER")
	}

	ctx := context.Background()
	stores, err := app.OpenStores(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer stores.Close()

	n, err := app.LoadCustomers(ctx, *file, stores.Customers)
	if err != nil {
		log.Fatalf("failed to seed: %v", err)
	}
	fmt.Printf("Seeded %d customers from %s\n", n, *file)
}
