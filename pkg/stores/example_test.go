package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/tstack/pkg/engine"
	"github.com/openfroyo/tstack/pkg/stores"
)

// ExampleOpen demonstrates opening a migrated store.
func ExampleOpen() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Path: stores.MemoryPath})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized, sealing:", store.CanSeal())
	// Output: Store initialized, sealing: false
}

// ExampleSQLiteStore_SaveRun demonstrates recording a run and reading the
// history back.
func ExampleSQLiteStore_SaveRun() {
	ctx := context.Background()
	store, _ := stores.Open(ctx, stores.Config{Path: stores.MemoryPath})
	defer store.Close()

	run := &engine.Run{
		ID:        "run-001",
		Stack:     "temporal-aci",
		Status:    engine.RunStatusSucceeded,
		StartedAt: time.Now(),
		Summary:   engine.RunSummary{Total: 9, Created: 9},
	}
	if err := store.SaveRun(ctx, run); err != nil {
		log.Fatal(err)
	}

	runs, err := store.ListRuns(ctx, "temporal-aci", 10)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Run ID: %s, Status: %s, Created: %d\n", runs[0].ID, runs[0].Status, runs[0].Summary.Created)
	// Output: Run ID: run-001, Status: succeeded, Created: 9
}
