package device

import "fmt"

// Identity 设备身份信息，进程启动时构建，运行期间只读
type Identity struct {
	DeviceID           string // 设备唯一标识（默认取自MAC地址）
	ChipModel          string // 芯片/型号名称，上报为deviceType
	AppLicenseID       string // 应用许可证ID
	RegionCode         string // 区域编码
	ServerToken        string // 服务端下发的令牌
	AppKey             string // 签名共享密钥
	ServicePackageCode string // 服务套餐编码
}

// NewIdentity 校验并返回身份信息的副本
// 必填字段缺失时返回ErrMissingField，错误信息中包含字段名
func NewIdentity(id Identity) (*Identity, error) {
	required := []struct {
		name  string
		value string
	}{
		{"device_id", id.DeviceID},
		{"app_license_id", id.AppLicenseID},
		{"region_code", id.RegionCode},
		{"server_token", id.ServerToken},
		{"app_key", id.AppKey},
		{"service_package_code", id.ServicePackageCode},
	}
	for _, f := range required {
		if f.value == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingField, f.name)
		}
	}

	out := id
	return &out, nil
}

// Resolve 用提供者补全未配置的设备ID和芯片型号，再做校验
func Resolve(id Identity, p Provider) (*Identity, error) {
	if p == nil {
		p = CurrentProvider()
	}
	if id.DeviceID == "" {
		devID, err := p.GetDeviceID()
		if err != nil {
			return nil, fmt.Errorf("获取设备ID失败: %w", err)
		}
		id.DeviceID = devID
	}
	if id.ChipModel == "" {
		id.ChipModel = p.GetChipModelName()
	}
	return NewIdentity(id)
}
