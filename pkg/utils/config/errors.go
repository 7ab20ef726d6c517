package config

import "errors"

// ErrInvalidConfig 配置内容无效
var ErrInvalidConfig = errors.New("invalid config")
