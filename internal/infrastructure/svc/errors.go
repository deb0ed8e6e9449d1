package svc

import "errors"

// ErrStorageInitFailed 错误：存储初始化失败
var ErrStorageInitFailed = errors.New("storage initialization failed")

// ErrUnknownVenueKind 错误：不支持的交易所适配器类型
var ErrUnknownVenueKind = errors.New("unknown venue kind")
