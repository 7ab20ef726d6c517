package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/junbin-yang/aiservice-go/pkg/device"
)

// ConnectEnvelope 上线认证信封，字段顺序即线上顺序
type ConnectEnvelope struct {
	AppLicenseID       string `json:"appLicenseId"`
	RegionCode         string `json:"regionCode"`
	Sign               string `json:"sign"`
	AppTime            string `json:"appTime"`
	DeviceID           string `json:"deviceId"`
	ServerToken        string `json:"serverToken"`
	DeviceType         string `json:"deviceType"`
	ServicePackageCode string `json:"servicePackageCode"`
}

// RequestBody 请求体，可选字段为空时不出现在JSON中
type RequestBody struct {
	ID              string                 `json:"id"`
	Text            string                 `json:"text"`
	LaunchApp       string                 `json:"launchApp,omitempty"`
	LaunchTime      string                 `json:"launchTime,omitempty"`
	Action          string                 `json:"action,omitempty"`
	ResultType      []string               `json:"resultType"`
	AgentIndexArray []string               `json:"agentIndexArray,omitempty"`
	Params          map[string]interface{} `json:"params,omitempty"`
}

// MarshalJSON 调用方给出的空params对象原样保留为 {}，只有nil才省略
func (b RequestBody) MarshalJSON() ([]byte, error) {
	type body RequestBody
	out := struct {
		body
		Params *map[string]interface{} `json:"params,omitempty"`
	}{body: body(b)}
	if b.Params != nil {
		out.Params = &b.Params
	}
	return marshal(out)
}

// RequestEnvelope 请求信封
type RequestEnvelope struct {
	DeviceID string      `json:"deviceId"`
	Request  RequestBody `json:"request"`
}

// RequestOptions 请求的可选部分
type RequestOptions struct {
	LaunchApp    string
	LaunchTime   string
	Action       string
	ResultTypes  []string
	AgentIndices []string
	Params       map[string]interface{} // 调用方持有，构建时深拷贝
}

// ResponseEnvelope 解析后的响应
type ResponseEnvelope struct {
	Code    int
	Message string
	Payload string // result.extendParam 的紧凑JSON，无负载时为空
}

// HasPayload 是否携带extendParam负载
// 无负载表示仅为状态通知，不是解析错误
func (r *ResponseEnvelope) HasPayload() bool { return r.Payload != "" }

// Success 是否为成功响应码
func (r *ResponseEnvelope) Success() bool { return r.Code == CodeSuccess }

// EncodeConnect 构建上线信封的紧凑JSON
func EncodeConnect(id *device.Identity, sign, timestamp string) (string, error) {
	if id == nil {
		return "", fmt.Errorf("%w: nil identity", ErrEncodeFailure)
	}
	switch {
	case id.AppLicenseID == "":
		return "", fmt.Errorf("%w: appLicenseId missing", ErrEncodeFailure)
	case id.RegionCode == "":
		return "", fmt.Errorf("%w: regionCode missing", ErrEncodeFailure)
	case sign == "":
		return "", fmt.Errorf("%w: sign missing", ErrEncodeFailure)
	case id.DeviceID == "":
		return "", fmt.Errorf("%w: deviceId missing", ErrEncodeFailure)
	case id.ServerToken == "":
		return "", fmt.Errorf("%w: serverToken missing", ErrEncodeFailure)
	}

	env := ConnectEnvelope{
		AppLicenseID:       id.AppLicenseID,
		RegionCode:         id.RegionCode,
		Sign:               sign,
		AppTime:            timestamp,
		DeviceID:           id.DeviceID,
		ServerToken:        id.ServerToken,
		DeviceType:         id.ChipModel,
		ServicePackageCode: id.ServicePackageCode,
	}
	data, err := marshal(&env)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncodeFailure, err)
	}
	return string(data), nil
}

// NewRequestEnvelope 构建请求信封
// text与resultTypes不能为空；Params深拷贝，信封不引用调用方内存
func NewRequestEnvelope(id *device.Identity, requestID, text string, opts RequestOptions) (*RequestEnvelope, error) {
	switch {
	case id == nil || id.DeviceID == "":
		return nil, fmt.Errorf("%w: deviceId missing", ErrEncodeFailure)
	case requestID == "":
		return nil, fmt.Errorf("%w: request id missing", ErrEncodeFailure)
	case text == "":
		return nil, fmt.Errorf("%w: text missing", ErrEncodeFailure)
	case len(opts.ResultTypes) == 0:
		return nil, fmt.Errorf("%w: resultType empty", ErrEncodeFailure)
	}

	params, err := copyParams(opts.Params)
	if err != nil {
		return nil, err
	}

	env := &RequestEnvelope{
		DeviceID: id.DeviceID,
		Request: RequestBody{
			ID:         requestID,
			Text:       text,
			LaunchApp:  opts.LaunchApp,
			LaunchTime: opts.LaunchTime,
			Action:     opts.Action,
			ResultType: append([]string(nil), opts.ResultTypes...),
			Params:     params,
		},
	}
	if len(opts.AgentIndices) > 0 {
		env.Request.AgentIndexArray = append([]string(nil), opts.AgentIndices...)
	}
	return env, nil
}

// Encode 序列化为紧凑JSON
func (e *RequestEnvelope) Encode() (string, error) {
	data, err := marshal(e)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncodeFailure, err)
	}
	return string(data), nil
}

// EncodeRequest 构建并序列化请求信封
func EncodeRequest(id *device.Identity, requestID, text string, opts RequestOptions) (string, error) {
	env, err := NewRequestEnvelope(id, requestID, text, opts)
	if err != nil {
		return "", err
	}
	return env.Encode()
}

// ResultTypes 返回请求的resultType列表
// 始终包含extendParam；套餐编码等于cloudphoneCode时追加cloudphoneInfo
func ResultTypes(servicePackageCode, cloudphoneCode string) []string {
	types := []string{ResultTypeExtendParam}
	if cloudphoneCode != "" && servicePackageCode == cloudphoneCode {
		types = append(types, ResultTypeCloudphone)
	}
	return types
}

// DecodeResponse 解析响应信封
// code必须为数字、message必须为字符串，否则返回ErrParseFailure；
// result或result.extendParam缺失时返回无负载的响应
func DecodeResponse(data []byte) (*ResponseEnvelope, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseFailure, err)
	}

	rawCode, ok := root["code"]
	if !ok || isNull(rawCode) {
		return nil, fmt.Errorf("%w: code missing", ErrParseFailure)
	}
	code, err := decodeCode(rawCode)
	if err != nil {
		return nil, err
	}

	rawMsg, ok := root["message"]
	if !ok || isNull(rawMsg) {
		return nil, fmt.Errorf("%w: message missing", ErrParseFailure)
	}
	var message string
	if err := json.Unmarshal(rawMsg, &message); err != nil {
		return nil, fmt.Errorf("%w: message is not a string", ErrParseFailure)
	}

	resp := &ResponseEnvelope{Code: code, Message: message}

	rawResult, ok := root["result"]
	if !ok || isNull(rawResult) {
		return resp, nil
	}
	var result map[string]json.RawMessage
	if err := json.Unmarshal(rawResult, &result); err != nil {
		return resp, nil
	}
	param, ok := result["extendParam"]
	if !ok || isNull(param) {
		return resp, nil
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, param); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseFailure, err)
	}
	resp.Payload = buf.String()
	return resp, nil
}

// decodeCode code必须是int范围内的整数
func decodeCode(raw json.RawMessage) (int, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrParseFailure, err)
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("%w: code is not a number", ErrParseFailure)
	}
	code, err := n.Int64()
	if err != nil || code < math.MinInt32 || code > math.MaxInt32 {
		return 0, fmt.Errorf("%w: code %s out of range", ErrParseFailure, n)
	}
	return int(code), nil
}

// marshal 序列化为紧凑JSON，不转义 <、>、&
func marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// copyParams 通过JSON往返得到与调用方完全独立的副本
func copyParams(params map[string]interface{}) (map[string]interface{}, error) {
	if params == nil {
		return nil, nil
	}

	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("%w: params: %v", ErrEncodeFailure, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	out := make(map[string]interface{}, len(params))
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: params: %v", ErrEncodeFailure, err)
	}
	return out, nil
}
