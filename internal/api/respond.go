package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	xerrors "ShadowStream/internal/errors"
)

// 请求头中携带的调用方身份。
const (
	headerUser          = "x-user-address"
	headerMerchantAdmin = "x-merchant-admin-address"
	headerOrg           = "x-org-address"
)

// 单个请求体的上限。
const maxBodyBytes = 1 << 20

var errInvalidBody = xerrors.New(xerrors.CodeInvalidArgument, "Invalid JSON body")

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError 按错误码输出 {"error", "code", ...metadata}。
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := xerrors.HTTPStatusOf(err)
	body := map[string]any{"code": string(xerrors.CodeOf(err))}
	if e, ok := xerrors.From(err); ok {
		body["error"] = e.Message()
		for k, v := range e.Metadata() {
			if k == "error" || k == "code" {
				continue
			}
			body[k] = v
		}
	} else {
		body["error"] = "Internal server error"
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("请求处理失败",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	writeJSON(w, status, body)
}

// decodeBody 解析 JSON 请求体。空请求体视为非法。
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return xerrors.New(xerrors.CodeInvalidArgument, "Request body too large")
		}
		if errors.Is(err, io.EOF) {
			return xerrors.New(xerrors.CodeInvalidArgument, "Missing request body")
		}
		if typed, ok := xerrors.From(err); ok {
			return typed
		}
		return errInvalidBody
	}
	return nil
}

func header(r *http.Request, name string) string {
	return strings.TrimSpace(r.Header.Get(name))
}
