package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	xerrors "AgentPay/internal/errors"
	"AgentPay/pkg/logger"
)

const maxBodyBytes = 1 << 20

// errorBody 是所有错误响应的唯一形态。
type errorBody struct {
	Code     xerrors.Code      `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError 把错误映射为状态码与 {code, message, metadata}，未分类错误不暴露细节。
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(r, err)
	writeJSON(w, status, body)
}

func errorResponse(r *http.Request, err error) (int, errorBody) {
	coded, ok := xerrors.From(err)
	if !ok {
		logger.L().Error("未分类的请求错误",
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Any("error", err),
		)
		coded = xerrors.New(xerrors.CodeUnknown, "internal error")
	}
	status := coded.HTTPStatus()
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败",
			slog.String("path", r.URL.Path),
			slog.String("code", string(coded.Code())),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Any("error", err),
		)
	}
	return status, errorBody{
		Code:     coded.Code(),
		Message:  coded.Message(),
		Metadata: coded.Metadata(),
	}
}

// decodeJSON 解析请求体。空请求体与格式错误都视为校验失败。
func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return xerrors.New(xerrors.CodeValidation, "请求体不能为空")
		}
		return xerrors.Wrap(xerrors.CodeValidation, err, "请求体解析失败")
	}
	return nil
}
