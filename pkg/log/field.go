package log

import (
	"time"

	"go.uber.org/zap"
)

// Field is a single structured key/value pair.
type Field struct {
	Key   string
	Value any
}

// F builds a Field from any value.
func F(key string, value any) Field { return Field{Key: key, Value: value} }

// Str builds a string Field.
func Str(key, value string) Field { return Field{Key: key, Value: value} }

// Int builds an int Field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Int64 builds an int64 Field.
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

// Bool builds a bool Field.
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Dur builds a duration Field.
func Dur(key string, value time.Duration) Field { return Field{Key: key, Value: value} }

// Any is an alias of F.
func Any(key string, value any) Field { return F(key, value) }

// Err attaches err under "error". A nil error yields a field that is skipped.
func Err(err error) Field { return Field{Key: "error", Value: err} }

// Component tags the owning subsystem.
func Component(name string) Field { return Field{Key: "component", Value: name} }

func toZap(fields []Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		switch v := f.Value.(type) {
		case error:
			if f.Key == "error" {
				out = append(out, zap.Error(v))
				continue
			}
			out = append(out, zap.NamedError(f.Key, v))
		case nil:
			if f.Key == "error" {
				continue
			}
			out = append(out, zap.Any(f.Key, nil))
		default:
			out = append(out, zap.Any(f.Key, v))
		}
	}
	return out
}
