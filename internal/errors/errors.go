package errors

import (
	stdErrors "errors"
	"fmt"
	"sort"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Category 对错误来源进行归类，决定界面提示与运行记录中的分类。
type Category string

const (
	// CategoryConfiguration 图结构或节点配置不满足运行条件，在发送任何交易前即被拒绝。
	CategoryConfiguration Category = "configuration"
	// CategoryResolution 名称解析失败，只影响单个收款人。
	CategoryResolution Category = "resolution"
	// CategoryExecution 钱包拒签、交易回滚或确认超时。
	CategoryExecution Category = "execution"
	// CategoryExternal 价格源、意图编译服务等外部依赖不可用。
	CategoryExternal Category = "external"
	// CategoryInternal 其它内部错误。
	CategoryInternal Category = "internal"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Category  Category
	Retryable bool
	Alert     bool
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodePublishFailure        Code = "PUBLISH_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeRateLimited           Code = "RATE_LIMITED"

	CodeGraphInvalid       Code = "GRAPH_INVALID"
	CodeGraphCycle         Code = "GRAPH_CYCLE"
	CodeGraphDuplicateEdge Code = "GRAPH_DUPLICATE_EDGE"
	CodeGraphNodeNotFound  Code = "GRAPH_NODE_NOT_FOUND"

	CodeRunStateConflict Code = "RUN_STATE_CONFLICT"
	CodeRunWalletMissing Code = "RUN_WALLET_MISSING"

	CodePipelineConfig     Code = "PIPELINE_CONFIG"
	CodePipelineStepFailed Code = "PIPELINE_STEP_FAILED"

	CodeIntentFailed  Code = "INTENT_FAILED"
	CodeIntentInvalid Code = "INTENT_INVALID"

	CodeResolveFailed Code = "RESOLVE_FAILED"
	CodeFeedFailed    Code = "FEED_FAILED"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Category: CategoryInternal, Alert: true},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo, Category: CategoryConfiguration},
		CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo, Category: CategoryInternal},
		CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning, Category: CategoryInternal},
		CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Category: CategoryInternal, Retryable: true, Alert: true},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Category: CategoryInternal, Retryable: true, Alert: true},
		CodePublishFailure:        {Message: "event publish failure", Severity: SeverityWarning, Category: CategoryExternal, Retryable: true},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Category: CategoryExecution, Retryable: true, Alert: true},
		CodeUnauthorized:          {Message: "missing or invalid api token", Severity: SeverityWarning, Category: CategoryInternal},
		CodeRateLimited:           {Message: "too many requests, try again shortly", Severity: SeverityInfo, Category: CategoryInternal, Retryable: true},

		CodeGraphInvalid:       {Message: "graph is not runnable", Severity: SeverityInfo, Category: CategoryConfiguration},
		CodeGraphCycle:         {Message: "connection would create a cycle", Severity: SeverityInfo, Category: CategoryConfiguration},
		CodeGraphDuplicateEdge: {Message: "connection already exists", Severity: SeverityInfo, Category: CategoryConfiguration},
		CodeGraphNodeNotFound:  {Message: "node not found", Severity: SeverityInfo, Category: CategoryConfiguration},

		CodeRunStateConflict: {Message: "operation not allowed in current run state", Severity: SeverityInfo, Category: CategoryInternal},
		CodeRunWalletMissing: {Message: "Please connect your wallet first", Severity: SeverityInfo, Category: CategoryConfiguration},

		CodePipelineConfig:     {Message: "node configuration incomplete", Severity: SeverityWarning, Category: CategoryConfiguration},
		CodePipelineStepFailed: {Message: "pipeline step failed", Severity: SeverityCritical, Category: CategoryExecution, Alert: true},

		CodeIntentFailed:  {Message: "intent compilation failed", Severity: SeverityWarning, Category: CategoryExternal, Retryable: true},
		CodeIntentInvalid: {Message: "intent compiler returned a malformed graph", Severity: SeverityWarning, Category: CategoryExternal, Retryable: true},

		CodeResolveFailed: {Message: "name resolution failed", Severity: SeverityInfo, Category: CategoryResolution},
		CodeFeedFailed:    {Message: "price feed unavailable", Severity: SeverityWarning, Category: CategoryExternal, Retryable: true, Alert: true},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// Codes 返回已注册的全部错误码，按字典序排列。
func Codes() []Code {
	registryMu.RLock()
	defer registryMu.RUnlock()
	codes := make([]Code, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	alert     *bool
	severity  *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 指定错误是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithAlert 指定错误是否需要告警。
func WithAlert(alert bool) Option {
	return func(e *Error) {
		e.alert = &alert
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New 创建一个新的错误实例。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	if e.alert != nil {
		return *e.alert
	}
	return AttributesOf(e.code).Alert
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// Category 返回错误所属分类。
func (e *Error) Category() Category {
	if e == nil {
		return CategoryInternal
	}
	return AttributesOf(e.code).Category
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// CategoryOf 返回错误分类，非统一错误归为 internal。
func CategoryOf(err error) Category {
	if e, ok := From(err); ok {
		return e.Category()
	}
	return CategoryInternal
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

// Reason 返回错误链最内层的原始描述。
// 统一错误类型取其 message，其它错误取 Error() 原文。
func Reason(err error) string {
	if err == nil {
		return ""
	}
	last := err
	for {
		next := stdErrors.Unwrap(last)
		if next == nil {
			break
		}
		last = next
	}
	if e, ok := last.(*Error); ok {
		return e.Message()
	}
	return last.Error()
}
