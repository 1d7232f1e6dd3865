package errs

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// CodeError 带业务码的错误。Code 决定对外语义（可否重试等），
// Detail 只做排障补充，不参与 Is 判断。
type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

func (e *CodeError) clone() *CodeError {
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: e.Detail}
}

// WithDetail 追加细节，返回新实例（模板错误保持只读）
func (e *CodeError) WithDetail(detail string) *CodeError {
	out := e.clone()
	if out.Detail == "" {
		out.Detail = detail
	} else {
		out.Detail += ", " + detail
	}
	return out
}

// WrapMsg 追加 kv 细节并带上调用栈
func (e *CodeError) WrapMsg(msg string, kv ...any) error {
	out := e.clone()
	if msg != "" || len(kv) > 0 {
		d := toString(msg, kv)
		if out.Detail == "" {
			out.Detail = d
		} else {
			out.Detail += ", " + d
		}
	}
	return errors.WithStack(out)
}

// Is 支持 errors.Is(err, ErrXxx)：只比较 Code
func (e *CodeError) Is(err error) bool {
	var ce *CodeError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == e.Code
}

// CodeOf 取出业务码；非 CodeError 返回 0
func CodeOf(err error) int {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

func Wrap(err error) error {
	return errors.WithStack(err)
}

func WrapMsg(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, toString(msg, kv))
}

func New(msg string, kv ...any) error {
	return errors.New(toString(msg, kv))
}

func toString(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		sb.WriteString(" ")
		sb.WriteString(fmt.Sprint(kv[i]))
		sb.WriteString("=")
		if i+1 < len(kv) {
			sb.WriteString(fmt.Sprint(kv[i+1]))
		}
	}
	return sb.String()
}
