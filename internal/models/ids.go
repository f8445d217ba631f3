package models

import (
	"github.com/google/uuid"
	"github.com/jxskiss/base62"
)

// NewClientOrderID 生成不超过36个字符的客户端订单ID, prefix 用于区分订单来源
func NewClientOrderID(prefix string) string {
	id := uuid.New()
	return prefix + base62.EncodeToString(id[:])
}
