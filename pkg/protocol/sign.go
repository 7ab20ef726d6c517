package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/junbin-yang/aiservice-go/pkg/device"
)

// Signer 签名函数类型，便于替换
type Signer func(key, message []byte) (string, error)

// Sign 使用HMAC-SHA256计算签名，返回64位小写十六进制字符串
// 空密钥属于配置错误，返回ErrCryptoFailure
func Sign(key, message []byte) (string, error) {
	if len(key) == 0 {
		return "", fmt.Errorf("%w: empty signing key", ErrCryptoFailure)
	}

	mac := hmac.New(sha256.New, key)
	if _, err := mac.Write(message); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// CanonicalString 构建待签名字符串
// 顺序：timestamp + license + deviceId + servicePackageCode + appKey
func CanonicalString(timestamp string, id *device.Identity) string {
	return timestamp + id.AppLicenseID + id.DeviceID + id.ServicePackageCode + id.AppKey
}

// Timestamp 毫秒级时间戳的十进制字符串
func Timestamp(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
