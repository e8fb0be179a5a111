package endpoint

import (
	"bytes"
	"encoding"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
)

// defaultFieldLimit bounds each decoded value unless a field sets maxLength.
var defaultFieldLimit = 16 * 1024

// maxBodyBytes bounds request bodies read by the decoder.
var maxBodyBytes int64 = 64 * 1024

// sourceOrder is the precedence used when a field carries several source tags.
var sourceOrder = []string{"path", "query", "form", "body", "cookie", "header"}

// Unmarshal populates dst (a non-nil pointer to a struct, or to a pointer to
// a struct) from the request.
//
// Supported struct tags, each `name[,flag...]`:
//   - `path`: r.PathValue(name)
//   - `query`: URL query values
//   - `form`: url-encoded form values (not parsed for JSON bodies)
//   - `body`: the whole request body; non-string fields are decoded as JSON
//     and require a JSON Content-Type
//   - `cookie`: cookies with the given name
//   - `header`: header values
//   - `maxLength:"n"`: per-value byte limit (default 16KB, "0" or "" for none)
//
// Flags: base64 | base64url for []byte fields, json for any field. A tag name
// of "-" skips the field. Untagged struct fields are decoded recursively;
// untagged scalar fields fall back to path then query using the lower-cased
// field name. Fields with no value present are left unchanged.
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: nil request"))
	}
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}
	root := v.Elem()
	if root.Kind() == reflect.Pointer {
		if root.IsNil() {
			root.Set(reflect.New(root.Type().Elem()))
		}
		root = root.Elem()
	}
	if root.Kind() != reflect.Struct {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must point to a struct (or pointer to struct)"))
	}

	src := &requestSource{r: r, query: url.Values{}, form: url.Values{}}
	if r.URL != nil {
		src.query = r.URL.Query()
	}
	if !isJSONBody(r) && r.Body != nil && r.Body != http.NoBody && bodyMediaType(r) == "application/x-www-form-urlencoded" {
		if err := r.ParseForm(); err != nil {
			return newEndpointError(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: parse form: %w", err))
		}
		src.form = r.PostForm
	}
	return decodeStruct(src, root)
}

// requestSource resolves raw values for each tag source.
type requestSource struct {
	r     *http.Request
	query url.Values
	form  url.Values
	body  []byte
	read  bool
}

func (s *requestSource) values(source, name, encodingFlag string) ([][]byte, error) {
	switch source {
	case "path":
		if v := s.r.PathValue(name); v != "" {
			return [][]byte{[]byte(v)}, nil
		}
	case "query":
		return toBytes(s.query[name]), nil
	case "form":
		return toBytes(s.form[name]), nil
	case "header":
		// Direct map access distinguishes present-but-empty from missing.
		return toBytes(s.r.Header[http.CanonicalHeaderKey(name)]), nil
	case "cookie":
		var out [][]byte
		for _, c := range s.r.Cookies() {
			if c.Name == name {
				out = append(out, []byte(c.Value))
			}
		}
		return out, nil
	case "body":
		return s.readBody(encodingFlag)
	}
	return nil, nil
}

func (s *requestSource) readBody(encodingFlag string) ([][]byte, error) {
	if s.r.Body == nil || s.r.Body == http.NoBody {
		return nil, nil
	}
	if encodingFlag == "json" && !isJSONBody(s.r) {
		mt := bodyMediaType(s.r)
		if mt == "" {
			mt = "(missing)"
		}
		return nil, newEndpointError(http.StatusUnsupportedMediaType, "", fmt.Errorf("endpoint: decode: body: unsupported media type %s", mt))
	}
	if !s.read {
		b, err := io.ReadAll(io.LimitReader(s.r.Body, maxBodyBytes+1))
		if err != nil {
			return nil, newEndpointError(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: body: %w", err))
		}
		if int64(len(b)) > maxBodyBytes {
			return nil, newEndpointError(http.StatusRequestEntityTooLarge, "", errors.New("endpoint: decode: body too large"))
		}
		s.body, s.read = b, true
	}
	if len(s.body) == 0 {
		return nil, nil
	}
	return [][]byte{s.body}, nil
}

func toBytes(vs []string) [][]byte {
	if len(vs) == 0 {
		return nil
	}
	out := make([][]byte, len(vs))
	for i, s := range vs {
		out[i] = []byte(s)
	}
	return out
}

func isJSONBody(r *http.Request) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return false
	}
	mt := bodyMediaType(r)
	return strings.HasPrefix(mt, "application/json") || strings.HasSuffix(mt, "+json")
}

func bodyMediaType(r *http.Request) string {
	ct := strings.TrimSpace(r.Header.Get("Content-Type"))
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(ct)
	}
	return strings.ToLower(mt)
}

type fieldTag struct {
	Source    string
	Name      string
	Encoding  string
	MaxLength int
}

var textUnmarshalerType = reflect.TypeFor[encoding.TextUnmarshaler]()

func decodeStruct(src *requestSource, sv reflect.Value) error {
	t := sv.Type()
	bodyField := ""
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.PkgPath != "" {
			continue
		}
		fv := sv.Field(i)

		tags, skip, err := parseFieldTags(sf)
		if err != nil {
			return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: field %s: %w", sf.Name, err))
		}
		if skip {
			continue
		}
		for _, tag := range tags {
			if tag.Source == "body" {
				if bodyField != "" {
					return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: multiple body fields: %s and %s", bodyField, sf.Name))
				}
				bodyField = sf.Name
			}
		}

		if len(tags) == 0 {
			if inner, ok := nestedStruct(fv); ok {
				if err := decodeStruct(src, inner); err != nil {
					return err
				}
				continue
			}
			name := strings.ToLower(sf.Name)
			tags = []fieldTag{{Source: "path", Name: name}, {Source: "query", Name: name}}
		}

		limit, err := fieldLengthLimit(sf)
		if err != nil {
			return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: field %s: %w", sf.Name, err))
		}

		for _, tag := range tags {
			tag.MaxLength = limit
			if tag.Source == "body" && tag.Encoding == "" && !isStringOrBytes(fv.Type()) {
				tag.Encoding = "json"
			}
			raw, err := src.values(tag.Source, tag.Name, tag.Encoding)
			if err != nil {
				return err
			}
			if len(raw) == 0 {
				continue
			}
			for _, val := range raw {
				if tag.MaxLength > 0 && len(val) > tag.MaxLength {
					return newEndpointError(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: %s %q -> %s: value exceeds max length %d", tag.Source, tag.Name, sf.Name, tag.MaxLength))
				}
			}
			if err := setField(fv, raw, tag.Encoding); err != nil {
				var ee *EndpointError
				if errors.As(err, &ee) {
					return err
				}
				return newEndpointError(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: %s %q -> %s: %w", tag.Source, tag.Name, sf.Name, err))
			}
			break
		}
	}
	return nil
}

// nestedStruct reports whether an untagged field should be decoded recursively.
func nestedStruct(fv reflect.Value) (reflect.Value, bool) {
	ft := fv.Type()
	if ft.Kind() == reflect.Pointer {
		ft = ft.Elem()
	}
	if ft.Kind() != reflect.Struct || reflect.PointerTo(ft).Implements(textUnmarshalerType) {
		return reflect.Value{}, false
	}
	if fv.Kind() == reflect.Pointer {
		if fv.IsNil() {
			fv.Set(reflect.New(ft))
		}
		fv = fv.Elem()
	}
	return fv, true
}

func isStringOrBytes(t reflect.Type) bool {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind() == reflect.String || (t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8)
}

func parseFieldTags(sf reflect.StructField) (tags []fieldTag, skip bool, err error) {
	for _, source := range sourceOrder {
		val, ok := sf.Tag.Lookup(source)
		if !ok {
			continue
		}
		parts := strings.Split(val, ",")
		name := strings.TrimSpace(parts[0])
		if name == "-" {
			return nil, true, nil
		}
		if name == "" {
			name = strings.ToLower(sf.Name)
		}
		tag := fieldTag{Source: source, Name: name}
		for _, p := range parts[1:] {
			flag := strings.ToLower(strings.TrimSpace(p))
			switch flag {
			case "":
			case "base64", "base64url", "json":
				if tag.Encoding != "" {
					return nil, false, errors.New("multiple encoding flags")
				}
				tag.Encoding = flag
			default:
				return nil, false, fmt.Errorf("unknown %s tag flag %q", source, flag)
			}
		}
		tags = append(tags, tag)
	}
	return tags, false, nil
}

func fieldLengthLimit(sf reflect.StructField) (int, error) {
	val, has := sf.Tag.Lookup("maxLength")
	if !has {
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

func setField(v reflect.Value, values [][]byte, encodingFlag string) error {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}

	isByteSlice := v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8
	if v.Kind() == reflect.Slice && !isByteSlice && encodingFlag != "json" {
		slice := reflect.MakeSlice(v.Type(), 0, len(values))
		for _, val := range values {
			elem := reflect.New(v.Type().Elem()).Elem()
			if err := setValue(elem, val, encodingFlag); err != nil {
				return err
			}
			slice = reflect.Append(slice, elem)
		}
		v.Set(slice)
		return nil
	}
	return setValue(v, values[0], encodingFlag)
}

func setValue(v reflect.Value, b []byte, encodingFlag string) error {
	if !v.CanSet() || !v.CanAddr() {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("field is not settable"))
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		return setValue(v.Elem(), b, encodingFlag)
	}

	switch encodingFlag {
	case "json":
		return json.NewDecoder(bytes.NewReader(b)).Decode(v.Addr().Interface())
	case "base64", "base64url":
		if v.Kind() != reflect.Slice || v.Type().Elem().Kind() != reflect.Uint8 {
			return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: encoding %q not supported for type %s", encodingFlag, v.Type()))
		}
		enc := base64.StdEncoding
		if encodingFlag == "base64url" {
			enc = base64.RawURLEncoding
		}
		out, err := enc.DecodeString(string(bytes.TrimSpace(b)))
		if err != nil {
			return err
		}
		v.SetBytes(out)
		return nil
	}

	if u, ok := v.Addr().Interface().(encoding.TextUnmarshaler); ok {
		return u.UnmarshalText(b)
	}
	if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
		v.SetBytes(bytes.Clone(b))
		return nil
	}

	s := string(b)
	switch v.Kind() {
	case reflect.String:
		v.SetString(s)
	case reflect.Bool:
		bb, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		v.SetBool(bb)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetFloat(f)
	default:
		return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("unsupported kind %s", v.Kind()))
	}
	return nil
}
