package collab

import "errors"

var (
	// 校验类错误：只回给提交方，不广播
	ErrUnknownField   = errors.New("UNKNOWN_FIELD")
	ErrDuplicateKey   = errors.New("DUPLICATE_FIELD_KEY")
	ErrInvalidPayload = errors.New("INVALID_PAYLOAD")

	ErrDocumentNotFound = errors.New("DOCUMENT_NOT_FOUND")
	ErrSessionNotFound  = errors.New("SESSION_NOT_FOUND")
	ErrNotLockHolder    = errors.New("NOT_LOCK_HOLDER")
)
