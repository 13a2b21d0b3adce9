package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/topology/pkg/engine"
)

// RecommendFunc is the function an advisor script must define:
//
//	def recommend(topology, configuration):
//	    return {"zoo.cfg": {"server.count": len(hosts_for_component("ZOOKEEPER_SERVER"))}}
//
// topology is a struct with cluster, blueprint, stack, security and
// host_groups (a list of structs with name, components, hosts and
// requested_count). configuration maps config type to properties. The
// returned dict maps config type to recommended properties; non-string
// values are formatted.
const RecommendFunc = "recommend"

// DefaultMaxSteps bounds the work of a single recommendation.
const DefaultMaxSteps = 1_000_000

// StarlarkAdvisor computes configuration recommendations with a Starlark
// script.
type StarlarkAdvisor struct {
	name     string
	program  *starlark.Program
	timeout  time.Duration
	maxSteps uint64
	logger   zerolog.Logger
}

var _ engine.ConfigAdvisor = (*StarlarkAdvisor)(nil)

// NewStarlarkAdvisor compiles script. The script must define RecommendFunc.
func NewStarlarkAdvisor(name, script string, timeout time.Duration, logger zerolog.Logger) (*StarlarkAdvisor, error) {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	isPredeclared := func(n string) bool {
		_, ok := advisorBuiltins(nil)[n]
		return ok
	}
	_, program, err := starlark.SourceProgram(name, script, isPredeclared)
	if err != nil {
		return nil, fmt.Errorf("failed to compile advisor %s: %w", name, err)
	}
	a := &StarlarkAdvisor{
		name:     name,
		program:  program,
		timeout:  timeout,
		maxSteps: DefaultMaxSteps,
		logger:   logger.With().Str("component", "advisor").Str("script", name).Logger(),
	}

	// reject scripts without a recommend function up front
	if _, err := a.init(a.newThread(), &engine.TopologySnapshot{}); err != nil {
		return nil, err
	}
	return a, nil
}

// LoadStarlarkAdvisor reads and compiles an advisor script.
func LoadStarlarkAdvisor(path string, timeout time.Duration, logger zerolog.Logger) (*StarlarkAdvisor, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read advisor: %w", err)
	}
	return NewStarlarkAdvisor(path, string(script), timeout, logger)
}

// Recommend runs the script against a resolved topology.
func (a *StarlarkAdvisor) Recommend(ctx context.Context, snapshot *engine.TopologySnapshot, userConfig map[string]map[string]string) (map[string]map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	startTime := time.Now()
	thread := a.newThread()
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(ctx.Err().Error())
	})
	defer stop()

	recommend, err := a.init(thread, snapshot)
	if err != nil {
		return nil, err
	}

	config, err := toStarlarkValue(stringMaps(snapshot.Configuration))
	if err != nil {
		return nil, err
	}
	result, err := starlark.Call(thread, recommend, starlark.Tuple{topologyStruct(snapshot), config}, nil)
	if err != nil {
		return nil, fmt.Errorf("advisor %s failed: %w", a.name, err)
	}

	out, err := toConfigMap(result)
	if err != nil {
		return nil, fmt.Errorf("advisor %s: %w", a.name, err)
	}
	a.logger.Debug().
		Str("cluster", snapshot.Cluster).
		Int("config_types", len(out)).
		Int("user_config_types", len(userConfig)).
		Dur("duration", time.Since(startTime)).
		Msg("Computed recommendations")
	return out, nil
}

func (a *StarlarkAdvisor) newThread() *starlark.Thread {
	thread := &starlark.Thread{
		Name: a.name,
		Print: func(_ *starlark.Thread, msg string) {
			a.logger.Debug().Msg(msg)
		},
	}
	thread.SetMaxExecutionSteps(a.maxSteps)
	return thread
}

// init executes the script's top level and returns its recommend function.
func (a *StarlarkAdvisor) init(thread *starlark.Thread, snapshot *engine.TopologySnapshot) (starlark.Callable, error) {
	globals, err := a.program.Init(thread, advisorBuiltins(snapshot))
	if err != nil {
		return nil, fmt.Errorf("advisor %s failed to load: %w", a.name, err)
	}
	fn, ok := globals[RecommendFunc].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("advisor %s does not define %s(topology, configuration)", a.name, RecommendFunc)
	}
	return fn, nil
}

func advisorBuiltins(snapshot *engine.TopologySnapshot) starlark.StringDict {
	return starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"hosts_for_component": starlark.NewBuiltin("hosts_for_component", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var component string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "component", &component); err != nil {
				return nil, err
			}
			var hosts []starlark.Value
			if snapshot != nil {
				for _, hg := range snapshot.HostGroups {
					for _, c := range hg.Components {
						if c == component {
							for _, h := range hg.Hosts {
								hosts = append(hosts, starlark.String(h))
							}
							break
						}
					}
				}
			}
			return starlark.NewList(hosts), nil
		}),
	}
}

func topologyStruct(s *engine.TopologySnapshot) starlark.Value {
	groups := make([]starlark.Value, 0, len(s.HostGroups))
	for _, hg := range s.HostGroups {
		groups = append(groups, starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"name":            starlark.String(hg.Name),
			"components":      stringList(hg.Components),
			"hosts":           stringList(hg.Hosts),
			"requested_count": starlark.MakeInt(hg.RequestedCount),
			"contains_master": starlark.Bool(hg.ContainsMaster),
		}))
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"cluster":     starlark.String(s.Cluster),
		"blueprint":   starlark.String(s.Blueprint),
		"stack":       starlark.String(s.Stack.Name + "-" + s.Stack.Version),
		"security":    starlark.String(string(s.Security)),
		"host_groups": starlark.NewList(groups),
	})
}

func stringList(in []string) *starlark.List {
	out := make([]starlark.Value, len(in))
	for i, s := range in {
		out[i] = starlark.String(s)
	}
	return starlark.NewList(out)
}

func stringMaps(in map[string]map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for t, props := range in {
		m := make(map[string]interface{}, len(props))
		for k, v := range props {
			m[k] = v
		}
		out[t] = m
	}
	return out
}

// toConfigMap converts the script result into config type -> key -> value.
func toConfigMap(v starlark.Value) (map[string]map[string]string, error) {
	if v == starlark.None {
		return nil, nil
	}
	raw, err := fromStarlarkValue(v)
	if err != nil {
		return nil, err
	}
	types, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%s must return a dict, got %s", RecommendFunc, v.Type())
	}
	out := make(map[string]map[string]string, len(types))
	for t, props := range types {
		m, ok := props.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("recommendations for %s must be a dict", t)
		}
		converted := make(map[string]string, len(m))
		for k, val := range m {
			s, err := formatProperty(val)
			if err != nil {
				return nil, fmt.Errorf("%s/%s: %w", t, k, err)
			}
			converted[k] = s
		}
		out[t] = converted
	}
	return out, nil
}

func formatProperty(v interface{}) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case bool:
		return strconv.FormatBool(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("unsupported property value %T", v)
	}
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			starlarkVal, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
