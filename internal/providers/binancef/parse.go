package binancef

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Kline arrays mix numbers and numeric strings; these coerce both.

func asFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case string:
		return strconv.ParseFloat(x, 64)
	case float64:
		return x, nil
	case json.Number:
		return x.Float64()
	}
	return 0, fmt.Errorf("unexpected kline value of type %T", v)
}

func asInt64(v interface{}) (int64, error) {
	switch x := v.(type) {
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	case json.Number:
		return x.Int64()
	}
	return 0, fmt.Errorf("unexpected kline timestamp of type %T", v)
}
