package decode

import (
	"encoding/json"
	"reflect"
	"strconv"
	"time"

	"orgchat/tools/errs"

	"github.com/mitchellh/mapstructure"
)

var ErrNilPayload = errs.New("payload is nil")

// Options 控制帧 data 的解码方式。
type Options struct {
	// 宽松解码："3" -> int、1.0 -> int64
	WeaklyTypedInput bool
	// 出现未知字段时报错
	ErrorUnused bool
}

func DefaultOptions() Options {
	return Options{WeaklyTypedInput: true}
}

// DecodeMap 把 JSON 解出来的 map 按 `json` tag 填到 T。
// 客户端发来的 id 列表允许是单个字符串或数字混排。
func DecodeMap[T any](m map[string]any, opts ...Options) (*T, error) {
	if m == nil {
		return nil, ErrNilPayload.Wrap()
	}
	cfg := DefaultOptions()
	if len(opts) > 0 {
		cfg = opts[0]
	}

	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &out,
		WeaklyTypedInput: cfg.WeaklyTypedInput,
		ErrorUnused:      cfg.ErrorUnused,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			floatToIntHook(),
			idListHook(),
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		),
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "new decoder")
	}
	if err := dec.Decode(m); err != nil {
		return nil, errs.WrapMsg(err, "decode payload")
	}
	return &out, nil
}

// 带小数的 float 不截断成整数
func floatToIntHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Kind, data any) (any, error) {
		if from != reflect.Float64 {
			return data, nil
		}
		f := data.(float64)
		switch to {
		case reflect.Int, reflect.Int32, reflect.Int64:
			if f != float64(int64(f)) {
				return nil, errs.New("fractional value for integer field", "value", f)
			}
		}
		switch to {
		case reflect.Int:
			return int(f), nil
		case reflect.Int32:
			return int32(f), nil
		case reflect.Int64:
			return int64(f), nil
		}
		return data, nil
	}
}

// idListHook 目标是 []string 时：单个值包成一项，[]any 逐项转成字符串。
func idListHook() mapstructure.DecodeHookFunc {
	strSlice := reflect.TypeOf([]string(nil))
	return func(from, to reflect.Type, data any) (any, error) {
		if to != strSlice {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if v == "" {
				return []string{}, nil
			}
			return []string{v}, nil
		case []any:
			out := make([]string, 0, len(v))
			for _, it := range v {
				out = append(out, idString(it))
			}
			return out, nil
		}
		return data, nil
	}
}

func idString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
