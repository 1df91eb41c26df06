package svc

import "errors"

// ErrNotEnoughVenues 错误：启用的交易所少于两个
var ErrNotEnoughVenues = errors.New("at least two venues required")

// ErrStorageInitFailed 错误：存储初始化失败
var ErrStorageInitFailed = errors.New("storage initialization failed")
