package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/topology/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path: ":memory:", // Use in-memory database for example
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_CreateLogicalRequest demonstrates persisting a request
// with its host slots and binding a host to one of them.
func ExampleSQLiteStore_CreateLogicalRequest() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	_ = store.CreateTopologyRequest(ctx, &stores.TopologyRequestRecord{
		ID:          1,
		Type:        "PROVISION",
		ClusterName: "c1",
		Blueprint:   "bp1",
		Document:    `{}`,
	})

	err := store.CreateLogicalRequest(ctx,
		&stores.LogicalRequestRecord{ID: 1, TopologyRequestID: 1, ClusterName: "c1", Type: "PROVISION"},
		[]*stores.HostRequestRecord{
			{ID: 1, ClusterName: "c1", HostGroup: "master", ReservedHost: "m1"},
			{ID: 2, ClusterName: "c1", HostGroup: "workers"},
		})
	if err != nil {
		log.Fatal(err)
	}

	if err := store.MatchHostRequest(ctx, 2, "w1", time.Now()); err != nil {
		log.Fatal(err)
	}

	hostRequests, _ := store.ListHostRequests(ctx, 1)
	for _, hr := range hostRequests {
		fmt.Printf("%d %s %s\n", hr.ID, hr.HostGroup, hr.Status)
	}
	// Output:
	// 1 master PENDING
	// 2 workers MATCHED
}
