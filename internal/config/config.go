package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/charging-platform/ocpp-proxy/internal/domain/errcode"
	"github.com/charging-platform/ocpp-proxy/internal/domain/protocol"
)

// Config 应用程序配置结构，启动时加载后不可变
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Charger    ChargerConfig    `mapstructure:"charger"`
	SessionLog SessionLogConfig `mapstructure:"session_log"`
	Backends   BackendsConfig   `mapstructure:"backends"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`

	HomeAssistant HomeAssistantConfig `mapstructure:"homeassistant"`

	// 仲裁策略
	AllowSharedCharging  bool     `mapstructure:"allow_shared_charging"`
	PreferredProvider    string   `mapstructure:"preferred_provider"`
	RateLimitSeconds     int      `mapstructure:"rate_limit_seconds" validate:"min=0"`
	PresenceSensor       string   `mapstructure:"presence_sensor"`
	OverrideInputBoolean string   `mapstructure:"override_input_boolean"`
	AllowedProviders     []string `mapstructure:"allowed_providers"`
	DisallowedProviders  []string `mapstructure:"disallowed_providers"`

	// 协议版本选择
	OCPPVersion           string `mapstructure:"ocpp_version" validate:"required"`
	AutoDetectOCPPVersion bool   `mapstructure:"auto_detect_ocpp_version"`

	// 出站OCPP服务
	OCPPServices []ServiceConfig `mapstructure:"ocpp_services" validate:"dive"`
}

// ServerConfig HTTP/WebSocket服务配置
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
	Async  bool   `mapstructure:"async"`
}

// ChargerConfig 充电桩侧配置
type ChargerConfig struct {
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	HeartbeatInterval int           `mapstructure:"heartbeat_interval" validate:"min=1"`
	IdleLockTimeout   time.Duration `mapstructure:"idle_lock_timeout"`
}

// SessionLogConfig 会话日志配置
type SessionLogConfig struct {
	DBPath string `mapstructure:"db_path" validate:"required"`
}

// BackendsConfig 后端通道配置
type BackendsConfig struct {
	SendQueueSize int `mapstructure:"send_queue_size" validate:"min=1"`
}

// KafkaConfig 可选的Kafka事件镜像配置，brokers为空时禁用
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// HomeAssistantConfig Home Assistant接入配置
type HomeAssistantConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// ServiceConfig 单个出站OCPP服务
type ServiceConfig struct {
	ID       string `mapstructure:"id" validate:"required"`
	URL      string `mapstructure:"url" validate:"required"`
	Version  string `mapstructure:"version"`
	AuthType string `mapstructure:"auth_type" validate:"omitempty,oneof=none basic token"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Token    string `mapstructure:"token"`
	Enabled  bool   `mapstructure:"enabled"`
}

// GetServerAddr 获取服务监听地址
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// EnabledServices 已启用的出站服务
func (c *Config) EnabledServices() []ServiceConfig {
	var out []ServiceConfig
	for _, svc := range c.OCPPServices {
		if svc.Enabled {
			out = append(out, svc)
		}
	}
	return out
}

// Load 加载配置：默认值 < CONFIG_FILE指向的YAML < 环境变量
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errcode.Newf(errcode.ConfigInvalid, "read %s: %v", path, err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindings := map[string]string{
		"server.port":         "PORT",
		"homeassistant.url":   "HA_URL",
		"homeassistant.token": "HA_TOKEN",
		"session_log.db_path": "LOG_DB_PATH",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, errcode.Newf(errcode.ConfigInvalid, "bind %s: %v", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errcode.Newf(errcode.ConfigInvalid, "unmarshal: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9000)
	v.SetDefault("server.read_timeout", "60s")
	v.SetDefault("server.write_timeout", "60s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.async", false)

	v.SetDefault("charger.call_timeout", "30s")
	v.SetDefault("charger.heartbeat_interval", 10)
	v.SetDefault("charger.idle_lock_timeout", "60s")

	v.SetDefault("session_log.db_path", "sessions.db")
	v.SetDefault("backends.send_queue_size", 64)
	v.SetDefault("kafka.topic", "charger-events")

	v.SetDefault("allow_shared_charging", true)
	v.SetDefault("rate_limit_seconds", 10)
	v.SetDefault("ocpp_version", "1.6")
	v.SetDefault("auto_detect_ocpp_version", true)
}

// Validate 校验配置，非法配置在启动时致命
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errcode.Newf(errcode.ConfigInvalid, "%v", err)
	}
	if !protocol.IsVersionSupported(c.OCPPVersion) {
		return errcode.Newf(errcode.ConfigInvalid, "unsupported ocpp_version %q", c.OCPPVersion)
	}

	seen := make(map[string]bool)
	for _, svc := range c.OCPPServices {
		if seen[svc.ID] {
			return errcode.Newf(errcode.ConfigInvalid, "duplicate ocpp_services id %q", svc.ID)
		}
		seen[svc.ID] = true
		if svc.Version != "" && !protocol.IsVersionSupported(svc.Version) {
			return errcode.Newf(errcode.ConfigInvalid, "service %s: unsupported version %q", svc.ID, svc.Version)
		}
		switch svc.AuthType {
		case "basic":
			if svc.Username == "" || svc.Password == "" {
				return errcode.Newf(errcode.ConfigInvalid, "service %s: basic auth requires username and password", svc.ID)
			}
		case "token":
			if svc.Token == "" {
				return errcode.Newf(errcode.ConfigInvalid, "service %s: token auth requires token", svc.ID)
			}
		}
	}
	return nil
}
