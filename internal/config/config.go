// Package config loads bridge and agent settings from an optional YAML
// file and BRIDGE_* / AGENT_* environment variables. Environment values
// win over the file, the file wins over defaults.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dreamware/shardbridge/internal/protocol"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration written as "5s" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// ShardCount is a shard total that may be written as "auto".
type ShardCount int

// AutoShardCount requests discovery.
const AutoShardCount ShardCount = -1

func (c *ShardCount) UnmarshalYAML(value *yaml.Node) error {
	n, err := parseShardCount(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*c = n
	return nil
}

func parseShardCount(s string) (ShardCount, error) {
	if strings.EqualFold(strings.TrimSpace(s), "auto") {
		return AutoShardCount, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("total shards: %w", err)
	}
	return ShardCount(n), nil
}

// Bridge holds the coordinator settings.
type Bridge struct {
	Host             string     `yaml:"host"`
	Port             int        `yaml:"port"`
	AuthToken        string     `yaml:"auth_token"`
	Standalone       bool       `yaml:"standalone"`
	ShardsPerCluster int        `yaml:"shards_per_cluster"`
	TotalShards      ShardCount `yaml:"total_shards"`
	TotalMachines    int        `yaml:"total_machines"`
	Token            string     `yaml:"token"`
	ShardList        []int      `yaml:"shard_list"`
	PlanDelay        Duration   `yaml:"plan_delay"`
	HeartbeatTimeout Duration   `yaml:"heartbeat_timeout"`
	Codec            string     `yaml:"codec"`
	CacheSize        int        `yaml:"cache_size"`
	AdminAddr        string     `yaml:"admin_addr"`
}

// Agent holds the client settings.
type Agent struct {
	Host              string   `yaml:"host"`
	Port              int      `yaml:"port"`
	AuthToken         string   `yaml:"auth_token"`
	Role              string   `yaml:"role"`
	RollingRestarts   bool     `yaml:"rolling_restarts"`
	ReconnectInterval Duration `yaml:"reconnect_interval"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	RequestTimeout    Duration `yaml:"request_timeout"`
	PlanGrace         Duration `yaml:"plan_grace"`
	MaxClusters       int      `yaml:"max_clusters"`
	Codec             string   `yaml:"codec"`
	AdminAddr         string   `yaml:"admin_addr"`
}

// DefaultBridge returns the bridge defaults.
func DefaultBridge() Bridge {
	return Bridge{
		Host:             "0.0.0.0",
		Port:             4444,
		ShardsPerCluster: 1,
		TotalShards:      AutoShardCount,
		TotalMachines:    1,
		PlanDelay:        Duration(5 * time.Second),
		HeartbeatTimeout: Duration(30 * time.Second),
		Codec:            protocol.CodecNameJSON,
		CacheSize:        1000,
		AdminAddr:        ":8080",
	}
}

// DefaultAgent returns the agent defaults.
func DefaultAgent() Agent {
	return Agent{
		Host:              "127.0.0.1",
		Port:              4444,
		Role:              "bot",
		ReconnectInterval: Duration(5 * time.Second),
		HeartbeatInterval: Duration(10 * time.Second),
		RequestTimeout:    Duration(30 * time.Second),
		PlanGrace:         Duration(5 * time.Second),
		Codec:             protocol.CodecNameJSON,
	}
}

// LoadBridge reads path (skipped when empty) and applies BRIDGE_*
// variables on top of the defaults.
func LoadBridge(path string) (Bridge, error) {
	cfg := DefaultBridge()
	if err := readFile(path, &cfg); err != nil {
		return Bridge{}, err
	}

	env := envReader{prefix: "BRIDGE_"}
	env.setString("HOST", &cfg.Host)
	env.setInt("PORT", &cfg.Port)
	env.setString("AUTH_TOKEN", &cfg.AuthToken)
	env.setBool("STANDALONE", &cfg.Standalone)
	env.setInt("SHARDS_PER_CLUSTER", &cfg.ShardsPerCluster)
	env.setShardCount("TOTAL_SHARDS", &cfg.TotalShards)
	env.setInt("TOTAL_MACHINES", &cfg.TotalMachines)
	env.setString("TOKEN", &cfg.Token)
	env.setInts("SHARD_LIST", &cfg.ShardList)
	env.setDuration("PLAN_DELAY", &cfg.PlanDelay)
	env.setDuration("HEARTBEAT_TIMEOUT", &cfg.HeartbeatTimeout)
	env.setString("CODEC", &cfg.Codec)
	env.setInt("CACHE_SIZE", &cfg.CacheSize)
	env.setString("ADMIN_ADDR", &cfg.AdminAddr)
	if err := env.err(); err != nil {
		return Bridge{}, err
	}
	return cfg, nil
}

// LoadAgent reads path (skipped when empty) and applies AGENT_* variables
// on top of the defaults.
func LoadAgent(path string) (Agent, error) {
	cfg := DefaultAgent()
	if err := readFile(path, &cfg); err != nil {
		return Agent{}, err
	}

	env := envReader{prefix: "AGENT_"}
	env.setString("HOST", &cfg.Host)
	env.setInt("PORT", &cfg.Port)
	env.setString("AUTH_TOKEN", &cfg.AuthToken)
	env.setString("ROLE", &cfg.Role)
	env.setBool("ROLLING_RESTARTS", &cfg.RollingRestarts)
	env.setDuration("RECONNECT_INTERVAL", &cfg.ReconnectInterval)
	env.setDuration("HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval)
	env.setDuration("REQUEST_TIMEOUT", &cfg.RequestTimeout)
	env.setDuration("PLAN_GRACE", &cfg.PlanGrace)
	env.setInt("MAX_CLUSTERS", &cfg.MaxClusters)
	env.setString("CODEC", &cfg.Codec)
	env.setString("ADMIN_ADDR", &cfg.AdminAddr)
	if err := env.err(); err != nil {
		return Agent{}, err
	}
	return cfg, nil
}

// Addr joins host and port.
func (c Bridge) Addr() string { return net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) }

// Addr joins host and port.
func (c Agent) Addr() string { return net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) }

// Validate checks the settings the bridge cannot start without.
func (c Bridge) Validate() error {
	var errs []error
	if c.AuthToken == "" {
		errs = append(errs, errors.New("auth_token is required"))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if !c.Standalone {
		if c.TotalMachines < 1 {
			errs = append(errs, fmt.Errorf("total_machines must be at least 1, got %d", c.TotalMachines))
		}
		if (c.TotalShards == AutoShardCount || c.TotalShards == 0) && len(c.ShardList) == 0 && c.Token == "" {
			errs = append(errs, errors.New("token is required when total_shards is auto and no shard_list is given"))
		}
		if c.TotalShards < AutoShardCount {
			errs = append(errs, fmt.Errorf("total_shards %d is negative", c.TotalShards))
		}
	}
	if err := validCodec(c.Codec); err != nil {
		errs = append(errs, err)
	}
	return wrapInvalid(errs)
}

// Validate checks the settings the agent cannot start without.
func (c Agent) Validate() error {
	var errs []error
	if c.AuthToken == "" {
		errs = append(errs, errors.New("auth_token is required"))
	}
	if c.Role == "" {
		errs = append(errs, errors.New("role is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.ReconnectInterval <= 0 {
		errs = append(errs, errors.New("reconnect_interval must be positive"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeat_interval must be positive"))
	}
	if err := validCodec(c.Codec); err != nil {
		errs = append(errs, err)
	}
	return wrapInvalid(errs)
}

func validCodec(name string) error {
	switch name {
	case "", protocol.CodecNameJSON, protocol.CodecNameMsgpack:
		return nil
	}
	return fmt.Errorf("unknown codec %q", name)
}

func wrapInvalid(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

func readFile(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// envReader applies prefixed variables and collects parse failures.
type envReader struct {
	prefix string
	errs   []error
}

func (e *envReader) lookup(k string) (string, bool) {
	v := getenv(e.prefix+k, "")
	return v, v != ""
}

func (e *envReader) fail(k string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s%s: %w", e.prefix, k, err))
}

func (e *envReader) setString(k string, dst *string) {
	if v, ok := e.lookup(k); ok {
		*dst = v
	}
}

func (e *envReader) setInt(k string, dst *int) {
	if v, ok := e.lookup(k); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(k, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) setBool(k string, dst *bool) {
	if v, ok := e.lookup(k); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(k, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) setDuration(k string, dst *Duration) {
	if v, ok := e.lookup(k); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(k, err)
			return
		}
		*dst = Duration(d)
	}
}

func (e *envReader) setShardCount(k string, dst *ShardCount) {
	if v, ok := e.lookup(k); ok {
		n, err := parseShardCount(v)
		if err != nil {
			e.fail(k, err)
			return
		}
		*dst = n
	}
}

// setInts reads a comma separated list such as "0,1,2".
func (e *envReader) setInts(k string, dst *[]int) {
	v, ok := e.lookup(k)
	if !ok {
		return
	}
	var out []int
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			e.fail(k, err)
			return
		}
		out = append(out, n)
	}
	*dst = out
}

func (e *envReader) err() error {
	return errors.Join(e.errs...)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
