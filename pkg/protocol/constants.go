package protocol

// 响应码
const (
	CodeSuccess = 1000 // 成功哨兵值
)

// 结果类型
const (
	ResultTypeExtendParam    = "extendParam"
	ResultTypeCloudphone     = "cloudphoneInfo"
	DefaultCloudphonePkgCode = "0" // 需要云机的套餐编码
)

// QoS 等级
const (
	QoSAtMostOnce  byte = 0
	QoSAtLeastOnce byte = 1
)

// RoleAssistant 显示层角色
const RoleAssistant = "assistant"
