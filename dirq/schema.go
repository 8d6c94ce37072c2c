package dirq

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/dirq/dirq/queue"
)

// Kind is the type of one schema field.
type Kind int

const (
	// Binary data is stored byte-exact in a plain file.
	Binary Kind = iota

	// String data is UTF-8 text.
	String

	// Table data is a string-to-string mapping, serialized as
	// newline-terminated key<TAB>value records with keys sorted and
	// backslash, TAB and LF escaped.
	Table
)

// Field describes one piece of element data: its kind and whether it may be
// absent.
type Field struct {
	Kind     Kind
	Optional bool
}

// Schema defines how element data is stored: one file per field, named
// after the field. Field names are restricted to alphanumerics since they
// double as file names inside the element directory.
type Schema map[string]Field

// Payload is the data of one element: field name to value. Values must be
// []byte for binary fields, string for string fields and map[string]string
// for table fields.
type Payload map[string]any

var (
	fieldNameRegexp = regexp.MustCompile(`^[0-9a-zA-Z]+$`)
	fieldSpecRegexp = regexp.MustCompile(`^(binary|string|table)(\?)?$`)
)

// ParseSchema builds a Schema from its compact declaration form, field name
// to kind with an optional trailing question mark:
//
//	schema, err := dirq.ParseSchema(map[string]string{
//	    "body":   "string",
//	    "header": "table?",
//	})
//
// A schema with no mandatory field is rejected: it is a definition error,
// not something detectable at add time.
func ParseSchema(spec map[string]string) (Schema, error) {
	if len(spec) == 0 {
		return nil, fmt.Errorf("%w: empty schema", queue.ErrBadSchema)
	}
	schema := make(Schema, len(spec))
	mandatory := false
	for fname, fspec := range spec {
		if !fieldNameRegexp.MatchString(fname) {
			return nil, fmt.Errorf("%w: invalid field name: %q", queue.ErrBadSchema, fname)
		}
		if fname == lockedDir {
			// would collide with the lock marker inside the element
			return nil, fmt.Errorf("%w: reserved field name: %q", queue.ErrBadSchema, fname)
		}
		m := fieldSpecRegexp.FindStringSubmatch(fspec)
		if m == nil {
			return nil, fmt.Errorf("%w: invalid field type: %q", queue.ErrBadSchema, fspec)
		}
		field := Field{Optional: m[2] == "?"}
		switch m[1] {
		case "binary":
			field.Kind = Binary
		case "string":
			field.Kind = String
		case "table":
			field.Kind = Table
		}
		if !field.Optional {
			mandatory = true
		}
		schema[fname] = field
	}
	if !mandatory {
		return nil, fmt.Errorf("%w: no mandatory field", queue.ErrBadSchema)
	}
	return schema, nil
}

// encodeField serializes one payload value according to its schema field,
// checking the dynamic type along the way.
func encodeField(fname string, field Field, value any) ([]byte, error) {
	switch field.Kind {
	case Binary:
		data, ok := value.([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected binary data in %s: %T", queue.ErrBadData, fname, value)
		}
		return data, nil
	case String:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected string data in %s: %T", queue.ErrBadData, fname, value)
		}
		return []byte(s), nil
	case Table:
		t, ok := value.(map[string]string)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected table data in %s: %T", queue.ErrBadData, fname, value)
		}
		return encodeTable(t), nil
	}
	return nil, fmt.Errorf("%w: unexpected field kind in %s: %d", queue.ErrBadData, fname, field.Kind)
}

// decodeField is the exact inverse of encodeField.
func decodeField(fname string, field Field, data []byte) (any, error) {
	switch field.Kind {
	case Binary:
		return data, nil
	case String:
		if !utf8.Valid(data) {
			return nil, fmt.Errorf("%w: invalid UTF-8 in %s", queue.ErrBadData, fname)
		}
		return string(data), nil
	case Table:
		return decodeTable(data)
	}
	return nil, fmt.Errorf("%w: unexpected field kind in %s: %d", queue.ErrBadData, fname, field.Kind)
}

var tableEscaper = strings.NewReplacer(`\`, `\\`, "\t", `\t`, "\n", `\n`)

// encodeTable serializes a table as key<TAB>value<LF> records. Keys are
// sorted so identical tables yield identical bytes.
func encodeTable(t map[string]string) []byte {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(tableEscaper.Replace(k))
		buf.WriteByte('\t')
		buf.WriteString(tableEscaper.Replace(t[k]))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// decodeTable parses the table wire format. A record without a TAB
// separator is a decode error; duplicate keys are not checked, the last one
// wins.
func decodeTable(data []byte) (map[string]string, error) {
	t := map[string]string{}
	for len(data) > 0 {
		line := data
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			line, data = data[:i], data[i+1:]
		} else {
			data = nil
		}
		key, val, found := bytes.Cut(line, []byte{'\t'})
		if !found || bytes.IndexByte(val, '\t') >= 0 {
			return nil, fmt.Errorf("%w: unexpected table record: %q", queue.ErrBadData, line)
		}
		t[unescapeTable(key)] = unescapeTable(val)
	}
	return t, nil
}

// unescapeTable undoes the tableEscaper escapes. Escape sequences the
// encoder never produces pass through untouched.
func unescapeTable(data []byte) string {
	if bytes.IndexByte(data, '\\') < 0 {
		return string(data)
	}
	var b strings.Builder
	b.Grow(len(data))
	for i := 0; i < len(data); i++ {
		c := data[i]
		if c != '\\' || i == len(data)-1 {
			b.WriteByte(c)
			continue
		}
		switch data[i+1] {
		case '\\':
			b.WriteByte('\\')
			i++
		case 't':
			b.WriteByte('\t')
			i++
		case 'n':
			b.WriteByte('\n')
			i++
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
