package protocol

import "errors"

var (
	// 签名失败，本次认证不得发布connect信封
	ErrCryptoFailure = errors.New("crypto failure")

	// 信封构建失败
	ErrEncodeFailure = errors.New("encode failure")

	// 入站JSON格式错误或缺少必填字段
	ErrParseFailure = errors.New("parse failure")
)
