/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"context"
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/carverauto/agentradar/pkg/logger"
)

var (
	// ErrDstMustBeNonNilPointer indicates that the destination must be a non-nil pointer.
	ErrDstMustBeNonNilPointer = errors.New("dst must be a non-nil pointer")
	// ErrDstMustBePointerToStruct indicates that the destination must be a pointer to a struct.
	ErrDstMustBePointerToStruct = errors.New("dst must be a pointer to a struct")

	errUnsupportedKind = errors.New("unsupported field kind")
)

//nolint:gochecknoglobals // type handles for reflection
var (
	durationType        = reflect.TypeOf(time.Duration(0))
	jsonUnmarshalerType = reflect.TypeOf((*json.Unmarshaler)(nil)).Elem()
	textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()
)

// EnvConfigLoader maps json tags onto PREFIX_FIELD_SUBFIELD variables, or decodes a
// complete document from PREFIX_CONFIG_JSON.
type EnvConfigLoader struct {
	logger logger.Logger
	prefix string
}

// NewEnvConfigLoader creates a new environment variable config loader.
func NewEnvConfigLoader(log logger.Logger, prefix string) *EnvConfigLoader {
	return &EnvConfigLoader{
		logger: log,
		prefix: prefix,
	}
}

// Load implements ConfigLoader.
func (e *EnvConfigLoader) Load(_ context.Context, _ string, dst interface{}) error {
	if raw := os.Getenv(e.prefix + "CONFIG_JSON"); raw != "" {
		if err := json.Unmarshal([]byte(raw), dst); err != nil {
			return fmt.Errorf("failed to unmarshal %sCONFIG_JSON: %w", e.prefix, err)
		}

		e.logger.Info().Msg("Loaded configuration from CONFIG_JSON environment variable")

		return nil
	}

	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return ErrDstMustBeNonNilPointer
	}

	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return ErrDstMustBePointerToStruct
	}

	set := e.loadStruct(v, e.prefix)

	e.logger.Info().Int("variables", set).Msg("Loaded configuration from environment variables")

	return nil
}

// loadStruct walks exported, json-tagged fields and returns how many were set.
// A bad value is logged and skipped so one typo does not discard the rest.
func (e *EnvConfigLoader) loadStruct(v reflect.Value, prefix string) int {
	t := v.Type()
	set := 0

	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		if !field.CanSet() {
			continue
		}

		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}

		envName := prefix + strings.ToUpper(strings.ReplaceAll(name, ".", "_"))

		if isNestedStruct(field) {
			set += e.loadNested(field, envName+"_")
			continue
		}

		raw, ok := os.LookupEnv(envName)
		if !ok || raw == "" {
			continue
		}

		if err := setField(field, raw); err != nil {
			e.logger.Warn().Err(err).Str("env", envName).Msg("Ignoring invalid environment value")
			continue
		}

		set++
	}

	return set
}

// loadNested only allocates nil struct pointers when some variable under prefix exists.
func (e *EnvConfigLoader) loadNested(field reflect.Value, prefix string) int {
	if field.Kind() != reflect.Ptr {
		return e.loadStruct(field, prefix)
	}

	if field.IsNil() {
		if !hasEnvPrefix(prefix) {
			return 0
		}

		field.Set(reflect.New(field.Type().Elem()))
	}

	return e.loadStruct(field.Elem(), prefix)
}

func isNestedStruct(field reflect.Value) bool {
	t := field.Type()
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	if t.Kind() != reflect.Struct {
		return false
	}

	pt := reflect.PointerTo(t)

	return !pt.Implements(jsonUnmarshalerType) && !pt.Implements(textUnmarshalerType) && t != reflect.TypeOf(time.Time{})
}

func hasEnvPrefix(prefix string) bool {
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, prefix) {
			return true
		}
	}

	return false
}

func setField(field reflect.Value, raw string) error {
	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			field.Set(reflect.New(field.Type().Elem()))
		}

		return setField(field.Elem(), raw)
	}

	if field.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}

		field.SetInt(int64(d))

		return nil
	}

	if field.Addr().Type().Implements(jsonUnmarshalerType) && field.Kind() != reflect.Map && field.Kind() != reflect.Slice {
		return decodeScalarJSON(field, raw)
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}

		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}

		field.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return err
		}

		field.SetUint(u)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}

		field.SetFloat(f)
	case reflect.Slice:
		return setSlice(field, raw)
	case reflect.Map:
		return json.Unmarshal([]byte(raw), field.Addr().Interface())
	default:
		return fmt.Errorf("%w: %s", errUnsupportedKind, field.Kind())
	}

	return nil
}

// decodeScalarJSON feeds raw to a json.Unmarshaler, quoting it when it is not already JSON.
func decodeScalarJSON(field reflect.Value, raw string) error {
	target := field.Addr().Interface()

	if json.Valid([]byte(raw)) {
		if err := json.Unmarshal([]byte(raw), target); err == nil {
			return nil
		}
	}

	quoted, err := json.Marshal(raw)
	if err != nil {
		return err
	}

	return json.Unmarshal(quoted, target)
}

func setSlice(field reflect.Value, raw string) error {
	elem := field.Type().Elem()

	switch elem.Kind() {
	case reflect.String:
		parts := strings.Split(raw, ",")
		slice := reflect.MakeSlice(field.Type(), 0, len(parts))

		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				slice = reflect.Append(slice, reflect.ValueOf(p).Convert(elem))
			}
		}

		field.Set(slice)

		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if strings.HasPrefix(strings.TrimSpace(raw), "[") {
			return json.Unmarshal([]byte(raw), field.Addr().Interface())
		}

		parts := strings.Split(raw, ",")
		slice := reflect.MakeSlice(field.Type(), 0, len(parts))

		for _, p := range parts {
			i, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
			if err != nil {
				return err
			}

			slice = reflect.Append(slice, reflect.ValueOf(i).Convert(elem))
		}

		field.Set(slice)

		return nil
	default:
		return json.Unmarshal([]byte(raw), field.Addr().Interface())
	}
}
