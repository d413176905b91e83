package configs

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// WSServerConfig 单个后端聊天服务器配置
// Macs 为设备MAC白名单；为空表示兜底服务器
type WSServerConfig struct {
	URL  string   `yaml:"url"  json:"url"`
	Macs []string `yaml:"macs" json:"macs"`
}

// RoomConfig 房间后端配置
type RoomConfig struct {
	URL       string `yaml:"url"        json:"url"`
	APIKey    string `yaml:"api_key"    json:"api_key"`
	APISecret string `yaml:"api_secret" json:"api_secret"`
}

// Config 主配置结构
type Config struct {
	Server struct {
		PublicIP string `yaml:"public_ip" json:"public_ip"`
		Debug    bool   `yaml:"debug"     json:"debug"`
	} `yaml:"server" json:"server"`

	// MQTT控制通道配置
	Mqtt struct {
		// 接入方式：tcp（直连监听）或 broker（消费EMQX转发消息）
		Ingress string `yaml:"ingress" json:"ingress"`
		// 直连TCP监听端口
		Port int `yaml:"port" json:"port"`
		// 设备凭证签名密钥，为空时跳过签名校验
		SignatureKey string `yaml:"signature_key" json:"signature_key"`
		Broker       struct {
			URL            string `yaml:"url"              json:"url"`
			ClientIDPrefix string `yaml:"client_id_prefix" json:"client_id_prefix"`
			Username       string `yaml:"username"         json:"username"`
			Password       string `yaml:"password"         json:"password"`
			// 为空时使用用户名/密码；否则用该密钥签发带ACL的JWT接入broker
			TokenKey    string `yaml:"token_key"    json:"token_key"`
			Qos         int    `yaml:"qos"          json:"qos"`
			IngestTopic string `yaml:"ingest_topic" json:"ingest_topic"`
		} `yaml:"broker" json:"broker"`
	} `yaml:"mqtt" json:"mqtt"`

	// UDP音频通道配置
	UDP struct {
		ListenHost   string `yaml:"listen_host"   json:"listen_host"`
		ListenPort   int    `yaml:"listen_port"   json:"listen_port"`
		ExternalHost string `yaml:"external_host" json:"external_host"`
		ExternalPort int    `yaml:"external_port" json:"external_port"`
	} `yaml:"udp" json:"udp"`

	// 语音后端配置
	Backend struct {
		// 后端类型：room 或 websocket
		Type      string           `yaml:"type"      json:"type"`
		Room      RoomConfig       `yaml:"room"      json:"room"`
		WebSocket []WSServerConfig `yaml:"websocket" json:"websocket"`
	} `yaml:"backend" json:"backend"`

	Log struct {
		LogLevel string `yaml:"log_level" json:"log_level"`
		LogDir   string `yaml:"log_dir"   json:"log_dir"`
		LogFile  string `yaml:"log_file"  json:"log_file"`
	} `yaml:"log" json:"log"`
}

// LoadConfig 从yaml文件加载配置并应用环境变量覆盖
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %v", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %v", err)
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.PublicIP = "127.0.0.1"
	cfg.Mqtt.Ingress = "tcp"
	cfg.Mqtt.Port = 1883
	cfg.Mqtt.Broker.ClientIDPrefix = "voice-gateway"
	cfg.Mqtt.Broker.IngestTopic = "internal/server-ingest"
	cfg.UDP.ListenHost = "0.0.0.0"
	cfg.UDP.ListenPort = 8884
	cfg.Backend.Type = "room"
	cfg.Log.LogLevel = "info"
	return cfg
}

// applyEnvOverrides 环境变量优先于文件配置
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Mqtt.Port = port
		}
	}
	if v := os.Getenv("UDP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.UDP.ListenPort = port
		}
	}
	if v := os.Getenv("PUBLIC_IP"); v != "" {
		cfg.Server.PublicIP = v
	}
	if v := os.Getenv("MQTT_SIGNATURE_KEY"); v != "" {
		cfg.Mqtt.SignatureKey = v
	}
	if v := os.Getenv("DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Server.Debug = b
		}
	}
}

// Validate 校验配置合法性
func (c *Config) Validate() error {
	switch c.Mqtt.Ingress {
	case "tcp", "broker":
	default:
		return fmt.Errorf("不支持的MQTT接入方式: %s", c.Mqtt.Ingress)
	}
	switch c.Backend.Type {
	case "room", "websocket":
	default:
		return fmt.Errorf("不支持的语音后端类型: %s", c.Backend.Type)
	}
	if c.Mqtt.Ingress == "broker" && c.Mqtt.Broker.URL == "" {
		return fmt.Errorf("broker接入方式必须配置mqtt.broker.url")
	}
	if c.Backend.Type == "websocket" && len(c.Backend.WebSocket) == 0 {
		return fmt.Errorf("websocket后端必须配置至少一个服务器")
	}
	return nil
}

// ExternalUDPHost 返回下发给设备的UDP地址（未配置时回退公网IP）
func (c *Config) ExternalUDPHost() string {
	if c.UDP.ExternalHost != "" {
		return c.UDP.ExternalHost
	}
	return c.Server.PublicIP
}

// ExternalUDPPort 返回下发给设备的UDP端口（未配置时回退监听端口）
func (c *Config) ExternalUDPPort() int {
	if c.UDP.ExternalPort > 0 {
		return c.UDP.ExternalPort
	}
	return c.UDP.ListenPort
}

// PickWebSocketURL 按设备MAC白名单挑选后端聊天服务器；无匹配时返回兜底服务器
func (c *Config) PickWebSocketURL(mac string) string {
	fallback := ""
	for _, srv := range c.Backend.WebSocket {
		if len(srv.Macs) == 0 && fallback == "" {
			fallback = srv.URL
			continue
		}
		for _, m := range srv.Macs {
			if m == mac {
				return srv.URL
			}
		}
	}
	return fallback
}
