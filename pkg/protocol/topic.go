package protocol

import "github.com/junbin-yang/aiservice-go/pkg/device"

const (
	topicConnect        = "connect/online"
	topicRequestPrefix  = "request/"
	topicResponsePrefix = "response/"
	topicDisconnect     = "disconnect/"
)

// Topics 会话使用的四个主题
type Topics struct {
	Connect    string // 上线通知
	Request    string // 发布请求
	Response   string // 订阅响应
	Disconnect string // 下线通知
}

// NewTopics 根据设备身份推导主题，纯函数
func NewTopics(id *device.Identity) Topics {
	return Topics{
		Connect:    topicConnect,
		Request:    topicRequestPrefix + id.AppLicenseID + "/" + id.DeviceID,
		Response:   topicResponsePrefix + id.AppLicenseID + "/" + id.DeviceID,
		Disconnect: topicDisconnect + id.DeviceID,
	}
}
