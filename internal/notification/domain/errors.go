package domain

import (
	"errors"
	"fmt"
)

// 状态机防护错误，越过合法转换时返回
var (
	ErrNotClaimable     = errors.New("notification is not claimable")
	ErrAttemptStillOpen = errors.New("notification already has an open attempt")
	ErrNotSending       = errors.New("notification is not in SENDING state")
	ErrNoOpenAttempt    = errors.New("notification has no open attempt")
	ErrNotCancellable   = errors.New("notification is not cancellable")
	ErrLeaseNotExpired  = errors.New("lease has not expired")
	ErrUnknownOutcome   = errors.New("unknown send outcome")
	ErrNotFound         = errors.New("notification not found")
)

// ValidationError 事件不合法（未知事件类型/模板缺失），不重试
type ValidationError struct {
	EventType string
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event %q: %s", e.EventType, e.Reason)
}

// NewValidationError 构造校验错误
func NewValidationError(eventType, reason string) *ValidationError {
	return &ValidationError{EventType: eventType, Reason: reason}
}

// RecipientResolutionError 接收方联系方式暂不可得（下游最终一致），可重试
type RecipientResolutionError struct {
	ClientID string
	Cause    error
}

func (e *RecipientResolutionError) Error() string {
	return fmt.Sprintf("failed to resolve recipient for client %q: %v", e.ClientID, e.Cause)
}

func (e *RecipientResolutionError) Unwrap() error {
	return e.Cause
}

// NewRecipientResolutionError 构造接收方解析错误
func NewRecipientResolutionError(clientID string, cause error) *RecipientResolutionError {
	return &RecipientResolutionError{ClientID: clientID, Cause: cause}
}

// IsValidation 判断错误是否为校验类（不重试）
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsRecipientResolution 判断错误是否为接收方解析类（可重试）
func IsRecipientResolution(err error) bool {
	var re *RecipientResolutionError
	return errors.As(err, &re)
}
