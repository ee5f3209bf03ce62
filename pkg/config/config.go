// Package config loads the service-config document and resolves it into one flat, immutable
// ServiceConfig per service.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/multierr"
	klog "k8s.io/klog/v2"
	"sigs.k8s.io/yaml"

	"inference.networking.x-k8s.io/disagg-gateway/api/v1alpha1"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/backend"
)

// EnvServiceConfig is the environment variable holding the document as JSON.
const EnvServiceConfig = "DYNAMO_SERVICE_CONFIG"

// Config is a resolved service-config document.
type Config struct {
	graph    v1alpha1.ServiceGraph
	services map[string]*v1alpha1.ServiceConfig
}

// Load reads and resolves the document at path. YAML and JSON are both accepted.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// LoadFromEnv resolves the document held by DYNAMO_SERVICE_CONFIG. An unset variable yields an
// empty config.
func LoadFromEnv() (*Config, error) {
	raw := os.Getenv(EnvServiceConfig)
	if raw == "" {
		klog.V(1).Infof("%s not set, using an empty service config", EnvServiceConfig)
		return Parse(nil)
	}
	return Parse([]byte(raw))
}

// Parse resolves every service of the document. All resolution failures are reported together
// as a ConfigurationError.
func Parse(data []byte) (*Config, error) {
	graph := v1alpha1.ServiceGraph{}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &graph); err != nil {
			return nil, &backend.ConfigurationError{Reason: "malformed service config", Err: err}
		}
	}

	c := &Config{
		graph:    graph,
		services: make(map[string]*v1alpha1.ServiceConfig, len(graph)),
	}
	var errs error
	for _, name := range c.serviceNames() {
		sc, err := c.resolve(name)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		c.services[name] = sc
	}
	if errs != nil {
		return nil, &backend.ConfigurationError{Reason: "invalid service config", Err: errs}
	}
	klog.V(1).Infof("Resolved services: %v", c.serviceNames())
	return c, nil
}

// Service returns the resolved config of a service.
func (c *Config) Service(name string) (*v1alpha1.ServiceConfig, bool) {
	sc, ok := c.services[name]
	return sc, ok
}

// Services returns every resolved service except Common, ordered by name.
func (c *Config) Services() []*v1alpha1.ServiceConfig {
	res := make([]*v1alpha1.ServiceConfig, 0, len(c.services))
	for _, name := range c.serviceNames() {
		res = append(res, c.services[name])
	}
	return res
}

// Require returns the resolved value of service.key, or a ConfigurationError if it is not set.
func (c *Config) Require(service, key string) (any, error) {
	sc, ok := c.services[service]
	if !ok {
		return nil, &backend.ConfigurationError{Reason: fmt.Sprintf("%s.%s must be specified in configuration", service, key)}
	}
	v, ok := sc.Params[key]
	if !ok {
		return nil, &backend.ConfigurationError{Reason: fmt.Sprintf("%s.%s must be specified in configuration", service, key)}
	}
	return v, nil
}

// EnableDisagg reports whether the load balancer splits prefill and decode.
func (c *Config) EnableDisagg() bool {
	sc, ok := c.services[v1alpha1.SimpleLoadBalancerService]
	return ok && sc.EnableDisagg
}

// DPGroups returns the services that declare a data-parallel group, ordered by start rank.
func (c *Config) DPGroups() []*v1alpha1.ServiceConfig {
	var res []*v1alpha1.ServiceConfig
	for _, sc := range c.Services() {
		if sc.DataParallel != nil {
			res = append(res, sc)
		}
	}
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].DataParallel.StartRank < res[j].DataParallel.StartRank
	})
	return res
}

// AsArgs renders the service block as CLI flags. Inherited common keys come first, then the
// service's own keys in name order. Only keys starting with prefix are rendered, with the
// prefix stripped. ServiceArgs is never rendered.
func (c *Config) AsArgs(service, prefix string) []string {
	block, ok := c.graph[service]
	if !ok {
		return nil
	}
	var args []string
	add := func(key string, value any) {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return
		}
		if strings.HasSuffix(key, v1alpha1.CommonConfigsKey) || key == v1alpha1.ServiceArgsKey {
			return
		}
		if value == nil {
			return
		}
		args = append(args, "--"+strings.TrimPrefix(key, prefix), formatArg(value))
	}

	common := c.graph[v1alpha1.CommonServiceName]
	for _, key := range commonKeys(block) {
		if _, overridden := block[key]; overridden {
			continue
		}
		if v, ok := common[key]; ok {
			add(key, v)
		}
	}
	for _, key := range sortedKeys(block) {
		add(key, block[key])
	}
	klog.V(1).Infof("Running %s with args %v", service, args)
	return args
}

func (c *Config) serviceNames() []string {
	var names []string
	for name := range c.graph {
		if name != v1alpha1.CommonServiceName {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// resolve flattens one service block: Common keys listed in common-configs are copied in unless
// the service sets them itself.
func (c *Config) resolve(name string) (*v1alpha1.ServiceConfig, error) {
	block := c.graph[name]
	common := c.graph[v1alpha1.CommonServiceName]

	params := make(map[string]any, len(block))
	var errs error
	for _, key := range commonKeys(block) {
		v, ok := common[key]
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("%s: common config %q is not defined in %s", name, key, v1alpha1.CommonServiceName))
			continue
		}
		params[key] = v
	}
	if raw, ok := block[v1alpha1.CommonConfigsKey]; ok {
		if _, isList := raw.([]any); !isList {
			errs = multierr.Append(errs, fmt.Errorf("%s: %s must be a list of keys, got %T", name, v1alpha1.CommonConfigsKey, raw))
		}
	}
	for k, v := range block {
		if k == v1alpha1.CommonConfigsKey || k == v1alpha1.ServiceArgsKey {
			continue
		}
		params[k] = v
	}
	if errs != nil {
		return nil, errs
	}

	flat, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	sc := &v1alpha1.ServiceConfig{}
	if err := json.Unmarshal(flat, sc); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if _, ok := params[v1alpha1.DataParallelSizeKey]; ok {
		dp := &v1alpha1.DataParallelSpec{}
		if err := json.Unmarshal(flat, dp); err != nil {
			return nil, fmt.Errorf("%s: invalid data parallel settings: %w", name, err)
		}
		sc.DataParallel = dp
	}
	if raw, ok := block[v1alpha1.ServiceArgsKey]; ok {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if err := json.Unmarshal(b, &sc.ServiceArgs); err != nil {
			return nil, fmt.Errorf("%s: invalid %s: %w", name, v1alpha1.ServiceArgsKey, err)
		}
	}
	sc.Name = name
	sc.Params = params

	if _, err := sc.GPUCount(); err != nil {
		return nil, err
	}
	if err := checkConnector(sc); err != nil {
		return nil, err
	}
	return sc, nil
}

func checkConnector(sc *v1alpha1.ServiceConfig) error {
	var role backend.Role
	switch sc.Name {
	case v1alpha1.PrefillWorkerService:
		role = backend.RolePrefill
	case v1alpha1.DecodeWorkerService:
		role = backend.RoleDecode
	default:
		return nil
	}
	if err := backend.CheckConnectorRole(role, sc.KVConnector); err != nil {
		return fmt.Errorf("%s: %w", sc.Name, err)
	}
	return nil
}

func commonKeys(block map[string]any) []string {
	list, _ := block[v1alpha1.CommonConfigsKey].([]any)
	keys := make([]string, 0, len(list))
	for _, k := range list {
		if s, ok := k.(string); ok {
			keys = append(keys, s)
		}
	}
	return keys
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatArg(v any) string {
	switch t := v.(type) {
	case bool:
		return strconv.FormatBool(t)
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}
