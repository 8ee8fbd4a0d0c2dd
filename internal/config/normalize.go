/*
Copyright 2025 The Dapr Authors
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"fmt"
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

// Normalize converts maps decoded from YAML into maps keyed by strings,
// recursively.
// nolint:cyclop
func Normalize(i any) (any, error) {
	var err error
	switch x := i.(type) {
	case map[any]any:
		m2 := map[string]any{}
		for k, v := range x {
			strKey, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("error parsing config field: %v", k)
			}
			if m2[strKey], err = Normalize(v); err != nil {
				return nil, err
			}
		}
		return m2, nil
	case map[string]any:
		m2 := make(map[string]any, len(x))
		for k, v := range x {
			if m2[k], err = Normalize(v); err != nil {
				return nil, err
			}
		}
		return m2, nil
	case []any:
		for i, v := range x {
			if x[i], err = Normalize(v); err != nil {
				return nil, err
			}
		}
	}

	return i, nil
}

// ToProperties flattens a YAML metadata block into component properties.
// Scalars keep their textual form; lists and maps are encoded as JSON.
func ToProperties(md map[string]any) (map[string]string, error) {
	props := make(map[string]string, len(md))
	for k, v := range md {
		s, err := toString(v)
		if err != nil {
			return nil, fmt.Errorf("invalid value of metadata property %s: %w", k, err)
		}
		props[k] = s
	}
	return props, nil
}

func toString(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case fmt.Stringer:
		return x.String(), nil
	}

	n, err := Normalize(v)
	if err != nil {
		return "", err
	}
	return jsoniter.ConfigCompatibleWithStandardLibrary.MarshalToString(n)
}
