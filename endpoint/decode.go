package endpoint

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
)

// defaultFieldLimit is the byte limit applied to a field without a maxLength tag.
var defaultFieldLimit = 16 * 1024

// Unmarshal populates dst, a non-nil pointer to a struct, from r.
//
// Supported struct tags, in precedence order:
//   - `query:"name"`  URL query parameter
//   - `form:"name"`   urlencoded body field (POST/PUT/PATCH)
//   - `cookie:"name"` request cookie value
//   - `maxLength:"n"` byte limit for the value; 0 or empty means unlimited
//
// Untagged struct fields (including embedded structs) are decoded
// recursively. Supported leaf kinds are string, bool, the integer kinds and
// []string. A value exceeding its limit yields a 400 EndpointError.
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: nil request"))
	}
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}
	root := v.Elem()
	if root.Kind() != reflect.Struct {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must point to a struct"))
	}

	query := url.Values{}
	if r.URL != nil {
		query = r.URL.Query()
	}
	form := url.Values{}
	if r.Body != nil && r.Body != http.NoBody {
		if err := r.ParseForm(); err != nil {
			return Error(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: parse form: %w", err))
		}
		form = r.PostForm
	}
	return decodeStruct(r, root, query, form)
}

func decodeStruct(r *http.Request, sv reflect.Value, query, form url.Values) error {
	t := sv.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		fv := sv.Field(i)

		queryName, hasQuery := sf.Tag.Lookup("query")
		formName, hasForm := sf.Tag.Lookup("form")
		cookieName, hasCookie := sf.Tag.Lookup("cookie")

		if !hasQuery && !hasForm && !hasCookie {
			if fv.Kind() == reflect.Struct {
				if err := decodeStruct(r, fv, query, form); err != nil {
					return err
				}
			}
			continue
		}

		limit, err := fieldLimit(sf)
		if err != nil {
			return Error(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: field %s: %w", sf.Name, err))
		}

		var values []string
		switch {
		case hasQuery && len(query[queryName]) > 0:
			values = query[queryName]
		case hasForm && len(form[formName]) > 0:
			values = form[formName]
		case hasCookie:
			for _, c := range r.Cookies() {
				if c.Name == cookieName {
					values = append(values, c.Value)
				}
			}
		}
		if len(values) == 0 {
			continue
		}
		for _, s := range values {
			if limit > 0 && len(s) > limit {
				return Error(http.StatusBadRequest, fmt.Sprintf("%s exceeds maximum length", strings.ToLower(sf.Name)), nil)
			}
		}
		if err := setField(fv, values); err != nil {
			return Error(http.StatusBadRequest, fmt.Sprintf("invalid %s", strings.ToLower(sf.Name)), err)
		}
	}
	return nil
}

func fieldLimit(sf reflect.StructField) (int, error) {
	val, ok := sf.Tag.Lookup("maxLength")
	if !ok {
		return defaultFieldLimit, nil
	}
	val = strings.TrimSpace(val)
	if val == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("maxLength: invalid integer %q", val)
	}
	if n < 0 {
		return 0, errors.New("maxLength: must be >= 0")
	}
	return n, nil
}

func setField(fv reflect.Value, values []string) error {
	if !fv.CanSet() {
		return errors.New("field is not settable")
	}
	if fv.Kind() == reflect.Slice && fv.Type().Elem().Kind() == reflect.String {
		fv.Set(reflect.ValueOf(append([]string(nil), values...)))
		return nil
	}
	s := values[0]
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetUint(n)
	default:
		return fmt.Errorf("unsupported kind %s", fv.Kind())
	}
	return nil
}
