package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/junbin-yang/aiservice-go/pkg/device"
	"github.com/junbin-yang/aiservice-go/pkg/protocol"
	"github.com/junbin-yang/aiservice-go/pkg/session"
	"github.com/junbin-yang/aiservice-go/pkg/transport"
	log "github.com/junbin-yang/aiservice-go/pkg/utils/logger"
)

var (
	APPNAME    string = "aiservice"
	VERSION    string = "undefined"
	BUILD_TIME string = "undefined"
	GO_VERSION string = "undefined"
)

// 默认值
const (
	DefaultAddress           = "wss://localhost:8443/mqtt"
	DefaultHandshakeTimeout  = transport.DefaultHandshakeTimeout
	DefaultPollTimeout       = session.DefaultPollTimeout
	DefaultReconnectInterval = session.DefaultReconnectInterval
	DefaultSendQueue         = session.DefaultSendQueue
	DefaultAction            = session.DefaultAction
	DefaultCloudphoneCode    = protocol.DefaultCloudphonePkgCode
	DefaultLogLevel          = "info"

	RotateByTime = "time"
	RotateBySize = "size"
)

type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Broker  BrokerConfig  `yaml:"broker"`
	Session SessionConfig `yaml:"session"`
	Request RequestConfig `yaml:"request"`
	HTTP    HTTPConfig    `yaml:"http"`
	Logger  LoggerConfig  `yaml:"logger"`
}

// DeviceConfig 设备身份，device_id/chip_model为空时从网卡和运行平台获取
type DeviceConfig struct {
	DeviceID           string `yaml:"device_id"`
	ChipModel          string `yaml:"chip_model"`
	Interface          string `yaml:"interface"`
	AppLicenseID       string `yaml:"app_license_id"`
	RegionCode         string `yaml:"region_code"`
	ServerToken        string `yaml:"server_token"`
	AppKey             string `yaml:"app_key"`
	ServicePackageCode string `yaml:"service_package_code"`
}

type BrokerConfig struct {
	Address            string        `yaml:"address"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	Proxy              string        `yaml:"proxy"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
}

type SessionConfig struct {
	PollTimeout       time.Duration `yaml:"poll_timeout"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	SendQueue         int           `yaml:"send_queue"`
}

type RequestConfig struct {
	Action                string                 `yaml:"action"`
	LaunchApp             string                 `yaml:"launch_app"`
	AgentIndex            []string               `yaml:"agent_index"`
	Params                map[string]interface{} `yaml:"-"` // 单独按YAML 1.2解析，y/n/on/off保持字符串
	CloudphonePackageCode string                 `yaml:"cloudphone_package_code"`
}

// HTTPConfig 本地控制接口，listen为空时不启动
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

type LoggerConfig struct {
	Dir      string `yaml:"dir"`
	Level    string `yaml:"level"`
	Rotate   bool   `yaml:"rotate"`
	RotateBy string `yaml:"rotate_by"` // time 或 size
}

// DefaultRequestParams 默认请求参数：有声书检索
func DefaultRequestParams() map[string]interface{} {
	return session.DefaultRequestPolicy().Params
}

// requestParams 只取 request.params 节点
type requestParams struct {
	Request struct {
		Params map[string]interface{} `yaml:"params"`
	} `yaml:"request"`
}

// Default 返回全部使用默认值的配置（设备身份除外）
func Default() *Config {
	conf := new(Config)
	conf.applyDefaults()
	return conf
}

// Version 版本信息
func Version() string {
	return APPNAME + ", version: " + VERSION + " (built at " + BUILD_TIME + ") " + GO_VERSION
}

// Load 读取指定配置文件
func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	conf, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Debugf("[CONFIG] 已加载配置文件 %s", path)
	return conf, nil
}

// Parse 依次查找 <程序目录>/aiservice.yml 和 /etc/aiservice.yml
func Parse() (*Config, error) {
	ex, err := os.Executable()
	if err != nil {
		return nil, err
	}

	cfile := filepath.Dir(ex) + "/" + APPNAME + ".yml"
	if _, err := os.Stat(cfile); os.IsNotExist(err) {
		cfile = "/etc/" + APPNAME + ".yml"
	}
	return Load(cfile)
}

// Decode 解析YAML并填充默认值、校验
func Decode(data []byte) (*Config, error) {
	conf := new(Config)
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	var rp requestParams
	if err := yamlv3.Unmarshal(data, &rp); err != nil {
		return nil, fmt.Errorf("%w: request.params: %v", ErrInvalidConfig, err)
	}
	conf.Request.Params = rp.Request.Params
	conf.applyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) applyDefaults() {
	if c.Broker.Address == "" {
		c.Broker.Address = DefaultAddress
	}
	if c.Broker.HandshakeTimeout == 0 {
		c.Broker.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Session.PollTimeout == 0 {
		c.Session.PollTimeout = DefaultPollTimeout
	}
	if c.Session.ReconnectInterval == 0 {
		c.Session.ReconnectInterval = DefaultReconnectInterval
	}
	if c.Session.SendQueue == 0 {
		c.Session.SendQueue = DefaultSendQueue
	}
	if c.Request.Action == "" {
		c.Request.Action = DefaultAction
	}
	if c.Request.Params == nil {
		c.Request.Params = DefaultRequestParams()
	} else {
		c.Request.Params = normalizeMap(c.Request.Params)
	}
	if c.Request.CloudphonePackageCode == "" {
		c.Request.CloudphonePackageCode = DefaultCloudphoneCode
	}
	if c.Logger.Level == "" {
		c.Logger.Level = DefaultLogLevel
	}
	if c.Logger.RotateBy == "" {
		c.Logger.RotateBy = RotateByTime
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch {
	case c.Broker.Address == "":
		return fmt.Errorf("%w: broker.address is empty", ErrInvalidConfig)
	case !strings.HasPrefix(c.Broker.Address, "ws://") && !strings.HasPrefix(c.Broker.Address, "wss://"):
		return fmt.Errorf("%w: broker.address must be ws:// or wss://", ErrInvalidConfig)
	case c.Broker.HandshakeTimeout < 0:
		return fmt.Errorf("%w: broker.handshake_timeout must not be negative", ErrInvalidConfig)
	case c.Session.PollTimeout <= 0:
		return fmt.Errorf("%w: session.poll_timeout must be positive", ErrInvalidConfig)
	case c.Session.ReconnectInterval <= 0:
		return fmt.Errorf("%w: session.reconnect_interval must be positive", ErrInvalidConfig)
	case c.Session.SendQueue <= 0:
		return fmt.Errorf("%w: session.send_queue must be positive", ErrInvalidConfig)
	case c.Logger.RotateBy != RotateByTime && c.Logger.RotateBy != RotateBySize:
		return fmt.Errorf("%w: logger.rotate_by must be %q or %q", ErrInvalidConfig, RotateByTime, RotateBySize)
	}
	return nil
}

// Identity 构建设备身份
// 参数：
//   - p：设备信息提供者，为nil时使用按device.interface配置的网卡提供者
func (c *Config) Identity(p device.Provider) (*device.Identity, error) {
	d := c.Device
	id := device.Identity{
		DeviceID:           d.DeviceID,
		ChipModel:          d.ChipModel,
		AppLicenseID:       d.AppLicenseID,
		RegionCode:         d.RegionCode,
		ServerToken:        d.ServerToken,
		AppKey:             d.AppKey,
		ServicePackageCode: d.ServicePackageCode,
	}
	if p == nil && d.Interface != "" && !device.IsProviderRegistered() {
		p = &device.HardwareProvider{Interface: d.Interface, ChipModel: d.ChipModel}
	}
	return device.Resolve(id, p)
}

// InitLogger 按配置替换默认日志实例并设置级别
func (c *Config) InitLogger() error {
	defer log.Sync()

	if c.Logger.Rotate {
		dir := c.Logger.Dir
		if dir == "" {
			ex, err := os.Executable()
			if err != nil {
				return err
			}
			dir = filepath.Dir(ex)
		}
		file := filepath.Join(dir, APPNAME+".log")
		out := log.NewProductionRotateByTime(file)
		if c.Logger.RotateBy == RotateBySize {
			out = log.NewProductionRotateBySize(file)
		}
		log.ReplaceDefault(log.New(out, log.InfoLevel))
	}
	log.SetLevel(log.ParseLevel(c.Logger.Level))
	return nil
}

// normalizeMap 把YAML解出的 map[interface{}]interface{} 转换为可JSON序列化的结构
func normalizeMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeValue(val)
		}
		return out
	case map[string]interface{}:
		return normalizeMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}
