package engine_test

import (
	"errors"
	"fmt"

	"github.com/openfroyo/topology/pkg/engine"
)

// ExampleConfiguration demonstrates layered configuration lookup.
func ExampleConfiguration() {
	stackDefaults := engine.NewConfiguration(map[string]map[string]string{
		"hdfs-site": {"dfs.replication": "3", "dfs.blocksize": "134217728"},
	}, nil, nil)
	cluster := engine.NewConfiguration(map[string]map[string]string{
		"hdfs-site": {"dfs.replication": "2"},
	}, nil, stackDefaults)
	group := engine.NewConfiguration(map[string]map[string]string{
		"hdfs-site": {"dfs.replication": "1"},
	}, nil, cluster)

	replication, _ := group.Resolve("hdfs-site", "dfs.replication")
	blocksize, _ := group.Resolve("hdfs-site", "dfs.blocksize")
	clusterReplication, _ := cluster.Resolve("hdfs-site", "dfs.replication")

	fmt.Println(replication, blocksize, clusterReplication)
	// Output: 1 134217728 2
}

// ExampleParseCardinality demonstrates cardinality checks.
func ExampleParseCardinality() {
	for _, expr := range []string{"1", "1+", "0-1", "ALL"} {
		c, err := engine.ParseCardinality(expr)
		if err != nil {
			fmt.Println(err)
			continue
		}
		fmt.Printf("%s: 0=%v 1=%v 2=%v\n", c, c.IsValidCount(0), c.IsValidCount(1), c.IsValidCount(2))
	}
	// Output:
	// 1: 0=false 1=true 2=false
	// 1+: 0=false 1=true 2=true
	// 0-1: 0=true 1=true 2=false
	// ALL: 0=false 1=false 2=false
}

// ExampleSubstituteHostGroups demonstrates host group placeholder resolution.
func ExampleSubstituteHostGroups() {
	hosts := map[string][]string{
		"master": {"nn1.example.com"},
		"zk":     {"zk2.example.com", "zk1.example.com"},
	}
	resolved := engine.SubstituteHostGroups(map[string]map[string]string{
		"core-site": {"fs.defaultFS": "hdfs://%HOSTGROUP::master%:8020"},
		"zoo.cfg":   {"quorum": "%HOSTGROUP::zk%:2181"},
	}, func(group string) []string { return hosts[group] })

	fmt.Println(resolved["core-site"]["fs.defaultFS"])
	fmt.Println(resolved["zoo.cfg"]["quorum"])
	// Output:
	// hdfs://nn1.example.com:8020
	// zk1.example.com:2181,zk2.example.com:2181
}

// ExampleEngineError demonstrates error classification and handling.
func ExampleEngineError() {
	transientErr := engine.NewTransientError("agent unreachable", nil).
		WithResource("c7401.example.com").
		WithOperation("install")

	validationErr := engine.NewPermanentError("cluster topology is invalid", &engine.TopologyValidationError{
		CardinalityFailures: []string{"NAMENODE(actual=2, required=1)"},
	}).WithCode(engine.ErrCodeValidation)

	var topoErr *engine.TopologyValidationError
	fmt.Println(engine.IsRetryable(transientErr))
	fmt.Println(engine.ErrorCode(validationErr), errors.As(validationErr, &topoErr))
	fmt.Println(topoErr.CardinalityFailures[0])
	// Output:
	// true
	// VALIDATION_ERROR true
	// NAMENODE(actual=2, required=1)
}
