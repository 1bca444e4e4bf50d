package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	xerrors "DefiFlow/internal/errors"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Category  string `json:"category"`
	Retryable bool   `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 按错误码映射 HTTP 状态，message 为错误链最内层的原文。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	writeJSON(w, statusOf(code), map[string]errorBody{"error": {
		Code:      string(code),
		Message:   xerrors.Reason(err),
		Category:  string(xerrors.CategoryOf(err)),
		Retryable: xerrors.RetryableError(err),
	}})
}

func statusOf(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, xerrors.CodePipelineConfig:
		return http.StatusBadRequest
	case xerrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case xerrors.CodeNotFound, xerrors.CodeGraphNodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, xerrors.CodeRunStateConflict, xerrors.CodeGraphCycle, xerrors.CodeGraphDuplicateEdge:
		return http.StatusConflict
	case xerrors.CodeRunWalletMissing:
		return http.StatusPreconditionFailed
	case xerrors.CodeGraphInvalid:
		return http.StatusUnprocessableEntity
	case xerrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case xerrors.CodeIntentFailed, xerrors.CodeIntentInvalid:
		return http.StatusBadGateway
	case xerrors.CodeInitializationFailure, xerrors.CodeFeedFailed:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func unavailable(component string) error {
	return xerrors.New(xerrors.CodeInitializationFailure, component+" 未初始化")
}

func queryInt(r *http.Request, key string, fallback int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}
