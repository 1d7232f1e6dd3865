package decode

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// Options 用于定制 Decode 行为。
type Options struct {
	// 是否启用宽松解码（默认 true）：例如 "123" -> int、1.0 -> int64 等。
	WeaklyTypedInput bool
}

func DefaultOptions() Options {
	return Options{WeaklyTypedInput: true}
}

// DecodeMap 将连接边界上解出的 map[string]any 动态解码到业务负载 T。
// T 是固定形状的事件结构，例如 AuthPayload / NewMessagePayload。
// 结构体字段读取使用 `json` tag。
func DecodeMap[T any](m map[string]any, opts ...Options) (*T, error) {
	if m == nil {
		return nil, fmt.Errorf("payload is nil")
	}

	cfg := DefaultOptions()
	if len(opts) > 0 {
		cfg = opts[0]
	}

	var out T
	decCfg := &mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &out,
		WeaklyTypedInput: cfg.WeaklyTypedInput,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			floatToIntHook(),
			sliceAnyToSliceStringHook(),
		),
	}

	dec, err := mapstructure.NewDecoder(decCfg)
	if err != nil {
		return nil, fmt.Errorf("new decoder: %w", err)
	}
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &out, nil
}

// floatToIntHook：JSON 数字默认是 float64，自动转 int / int32 / int64。
func floatToIntHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Kind, data any) (any, error) {
		if from != reflect.Float64 {
			return data, nil
		}
		switch to {
		case reflect.Int:
			return int(data.(float64)), nil
		case reflect.Int32:
			return int32(data.(float64)), nil
		case reflect.Int64:
			return int64(data.(float64)), nil
		}
		return data, nil
	}
}

// sliceAnyToSliceStringHook：把 []any 自动转为 []string。
func sliceAnyToSliceStringHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Kind, data any) (any, error) {
		if from != reflect.Slice || to != reflect.Slice {
			return data, nil
		}
		src, ok := data.([]any)
		if !ok {
			return data, nil
		}
		out := make([]string, 0, len(src))
		for _, it := range src {
			switch v := it.(type) {
			case string:
				out = append(out, v)
			case json.Number:
				out = append(out, v.String())
			default:
				b, _ := json.Marshal(v)
				out = append(out, string(b))
			}
		}
		return out, nil
	}
}
