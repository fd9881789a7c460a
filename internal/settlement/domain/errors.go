package domain

import "errors"

var (
	// ErrTransitionRejected 条件更新没命中：状态已被别人推进，或迁移不合法
	ErrTransitionRejected = errors.New("status transition rejected")
	ErrRecordNotFound     = errors.New("payment record not found")
	ErrUnknownIdentity    = errors.New("identity not administered by this system")
	ErrInvalidEvent       = errors.New("invalid meter paid event")
	ErrNoUsableCredit     = errors.New("no usable credit")
)
