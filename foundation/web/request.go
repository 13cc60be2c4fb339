package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"

	"github.com/dimfeld/httptreemux/v5"
	"github.com/go-playground/validator/v10"
)

// validate holds the settings and caches for validating request struct
// values.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Param returns the web call parameters from the request.
func Param(r *http.Request, key string) string {
	m := httptreemux.ContextParams(r.Context())
	return m[key]
}

// Decode reads the body of an HTTP request looking for a JSON document. The
// body is decoded into the provided value and, when the value is a struct,
// checked against its validate tags.
func Decode(r *http.Request, val any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(val); err != nil {
		return fmt.Errorf("unable to decode payload: %w", err)
	}

	if v := reflect.Indirect(reflect.ValueOf(val)); v.Kind() == reflect.Struct {
		if err := validate.Struct(val); err != nil {
			return fmt.Errorf("validating payload: %w", err)
		}
	}

	return nil
}
