package session

import (
	"github.com/junbin-yang/aiservice-go/pkg/device"
	"github.com/junbin-yang/aiservice-go/pkg/protocol"
)

// 默认请求参数
const (
	DefaultAction = "playAudio"
	paramContent  = "content"
)

// RequestPolicy 决定每条请求的可选字段
type RequestPolicy struct {
	Action            string
	LaunchApp         string
	AgentIndices      []string
	Params            map[string]interface{} // 每次请求会附加 content=用户文本
	CloudphonePkgCode string                 // 套餐编码等于该值时请求cloudphoneInfo
}

// DefaultRequestPolicy 默认策略：有声书检索
func DefaultRequestPolicy() RequestPolicy {
	return RequestPolicy{
		Action: DefaultAction,
		Params: map[string]interface{}{
			"pageSize":    10,
			"position":    1,
			"intent":      "listen_audiobook",
			"isRecommend": true,
		},
		CloudphonePkgCode: protocol.DefaultCloudphonePkgCode,
	}
}

// withDefaults 逐字段补默认值，调用方给出的字段保持不变
func (p RequestPolicy) withDefaults() RequestPolicy {
	def := DefaultRequestPolicy()
	if p.Action == "" {
		p.Action = def.Action
	}
	if p.Params == nil {
		p.Params = def.Params
	}
	if p.CloudphonePkgCode == "" {
		p.CloudphonePkgCode = def.CloudphonePkgCode
	}
	return p
}

// options 生成一次请求的可选字段，不修改策略自身的Params
func (p RequestPolicy) options(id *device.Identity, text string) protocol.RequestOptions {
	params := make(map[string]interface{}, len(p.Params)+1)
	for k, v := range p.Params {
		params[k] = v
	}
	params[paramContent] = text

	return protocol.RequestOptions{
		LaunchApp:    p.LaunchApp,
		Action:       p.Action,
		ResultTypes:  protocol.ResultTypes(id.ServicePackageCode, p.CloudphonePkgCode),
		AgentIndices: p.AgentIndices,
		Params:       params,
	}
}
