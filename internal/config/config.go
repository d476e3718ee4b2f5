package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is every tunable named in spec.md §6, typed and defaulted. It
// replaces the teacher's per-call getenv(key, default) with one struct
// loaded once at process start.
type Config struct {
	RunnerHost string `mapstructure:"runnerAddress.host"`
	RunnerPort int    `mapstructure:"runnerAddress.port"`

	ShardsPerGroup    int      `mapstructure:"shardsPerGroup"`
	ShardGroups       []string `mapstructure:"shardGroups"`
	RunnerShardWeight int      `mapstructure:"runnerShardWeight"`

	EntityMailboxCapacity     int           `mapstructure:"entityMailboxCapacity"`
	EntityMaxIdleTime         time.Duration `mapstructure:"entityMaxIdleTime"`
	EntityTerminationTimeout  time.Duration `mapstructure:"entityTerminationTimeout"`
	EntityRegistrationTimeout time.Duration `mapstructure:"entityRegistrationTimeout"`
	EntityMessagePollInterval time.Duration `mapstructure:"entityMessagePollInterval"`
	EntityReplyPollInterval   time.Duration `mapstructure:"entityReplyPollInterval"`

	RefreshAssignmentsInterval time.Duration `mapstructure:"refreshAssignmentsInterval"`
	SendRetryInterval          time.Duration `mapstructure:"sendRetryInterval"`
	RunnerHealthCheckInterval  time.Duration `mapstructure:"runnerHealthCheckInterval"`

	RebalanceDebounce time.Duration `mapstructure:"rebalanceDebounce"`
	RebalanceInterval time.Duration `mapstructure:"rebalanceInterval"`
	RebalanceRate     float64       `mapstructure:"rebalanceRate"`

	ShardLockRefreshInterval time.Duration `mapstructure:"shardLockRefreshInterval"`
	ShardLockExpiration      time.Duration `mapstructure:"shardLockExpiration"`

	PersistRetryCount    int           `mapstructure:"persistRetryCount"`
	PersistRetryInterval time.Duration `mapstructure:"persistRetryInterval"`

	// ShardManagerAddr is where a runner dials to reach the shard
	// manager; ShardManagerListenAddr is the address cmd/shardmanager
	// itself binds. StoragePath is the sqlite file (or ":memory:") the
	// storage layer opens. None of these are in spec.md §6's tunable
	// list but all are necessary to actually start a process.
	ShardManagerAddr       string `mapstructure:"shardManagerAddr"`
	ShardManagerListenAddr string `mapstructure:"shardManagerListenAddr"`
	StoragePath            string `mapstructure:"storagePath"`
	LogLevel               string `mapstructure:"logLevel"`
}

// Load reads configuration from, in ascending priority: built-in
// defaults, an optional config file at configPath (if non-empty), and
// environment variables prefixed MERIDIAN_ (nested keys use "_" in place
// of "."). An optional .env file is loaded into the environment first;
// it never overrides a variable that is already set. Environment
// variables always win, matching the teacher's getenv() precedence.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load() // optional; missing .env is not an error

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("meridian")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "config: read %s", configPath)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal")
	}
	// Unmarshal matches tags against viper's nested settings map, where
	// "runnerAddress.host" is not a top-level key; read the nested pair
	// explicitly so defaults, file and env values all reach the struct.
	cfg.RunnerHost = v.GetString("runnerAddress.host")
	cfg.RunnerPort = v.GetInt("runnerAddress.port")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("runnerAddress.host", "0.0.0.0")
	v.SetDefault("runnerAddress.port", 8081)

	v.SetDefault("shardsPerGroup", 300)
	v.SetDefault("shardGroups", []string{"default"})
	v.SetDefault("runnerShardWeight", 1)

	v.SetDefault("entityMailboxCapacity", 4096)
	v.SetDefault("entityMaxIdleTime", time.Minute)
	v.SetDefault("entityTerminationTimeout", 15*time.Second)
	v.SetDefault("entityRegistrationTimeout", 5*time.Second)
	v.SetDefault("entityMessagePollInterval", 10*time.Second)
	v.SetDefault("entityReplyPollInterval", 200*time.Millisecond)

	v.SetDefault("refreshAssignmentsInterval", 3*time.Second)
	v.SetDefault("sendRetryInterval", 100*time.Millisecond)
	v.SetDefault("runnerHealthCheckInterval", time.Minute)

	v.SetDefault("rebalanceDebounce", 3*time.Second)
	v.SetDefault("rebalanceInterval", 20*time.Second)
	v.SetDefault("rebalanceRate", 0.02)

	v.SetDefault("shardLockRefreshInterval", 10*time.Second)
	v.SetDefault("shardLockExpiration", 35*time.Second)

	v.SetDefault("persistRetryCount", 3)
	v.SetDefault("persistRetryInterval", 250*time.Millisecond)

	v.SetDefault("shardManagerAddr", "http://127.0.0.1:8080")
	v.SetDefault("shardManagerListenAddr", ":8080")
	v.SetDefault("storagePath", "meridian.db")
	v.SetDefault("logLevel", "info")
}

// RunnerAddr formats the listen address for net.Listen / http.Server.
func (c *Config) RunnerAddr() string {
	return fmt.Sprintf("%s:%d", c.RunnerHost, c.RunnerPort)
}
