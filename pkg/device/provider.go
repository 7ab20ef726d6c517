package device

import (
	"fmt"
	"net"
	"runtime"
	"sync"

	log "github.com/junbin-yang/aiservice-go/pkg/utils/logger"
)

// Provider 设备信息提供者接口
// 查询硬件/固件状态，进程生命周期内返回值应保持稳定
type Provider interface {
	// GetDeviceID 获取设备唯一标识
	GetDeviceID() (string, error)

	// GetChipModelName 获取芯片型号名称
	GetChipModelName() string
}

// HardwareProvider 基于网卡MAC地址的默认提供者
type HardwareProvider struct {
	Interface string // 指定网卡名称，为空时取第一个非回环且有MAC地址的网卡
	ChipModel string // 指定芯片型号，为空时使用 GOOS-GOARCH

	interfaces func() ([]net.Interface, error)
}

// GetDeviceID 返回网卡MAC地址（小写、冒号分隔）
func (p *HardwareProvider) GetDeviceID() (string, error) {
	list := p.interfaces
	if list == nil {
		list = net.Interfaces
	}

	ifaces, err := list()
	if err != nil {
		return "", fmt.Errorf("枚举网卡失败: %w", err)
	}

	if p.Interface != "" {
		for _, iface := range ifaces {
			if iface.Name != p.Interface {
				continue
			}
			if len(iface.HardwareAddr) == 0 {
				return "", fmt.Errorf("%w: %s", ErrNoHardwareAddr, p.Interface)
			}
			return iface.HardwareAddr.String(), nil
		}
		return "", fmt.Errorf("%w: %s", ErrInterfaceNotFound, p.Interface)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String(), nil
	}
	return "", ErrNoHardwareAddr
}

// GetChipModelName 返回芯片型号名称
func (p *HardwareProvider) GetChipModelName() string {
	if p.ChipModel != "" {
		return p.ChipModel
	}
	return runtime.GOOS + "-" + runtime.GOARCH
}

// 全局设备信息提供者
var (
	g_provider   Provider = &HardwareProvider{}
	g_providerMu sync.RWMutex
)

// RegisterProvider 注册设备信息提供者，替换默认的HardwareProvider
func RegisterProvider(p Provider) error {
	if p == nil {
		return ErrNilProvider
	}

	g_providerMu.Lock()
	defer g_providerMu.Unlock()

	g_provider = p
	log.Infof("[DEVICE] 设备信息提供者已注册: %T", p)
	return nil
}

// UnregisterProvider 恢复为默认提供者
func UnregisterProvider() {
	g_providerMu.Lock()
	defer g_providerMu.Unlock()

	g_provider = &HardwareProvider{}
	log.Info("[DEVICE] 设备信息提供者已恢复为默认")
}

// CurrentProvider 获取当前提供者
func CurrentProvider() Provider {
	g_providerMu.RLock()
	defer g_providerMu.RUnlock()
	return g_provider
}

// IsProviderRegistered 是否注册了外部提供者
func IsProviderRegistered() bool {
	g_providerMu.RLock()
	defer g_providerMu.RUnlock()

	_, isDefault := g_provider.(*HardwareProvider)
	return !isDefault
}
