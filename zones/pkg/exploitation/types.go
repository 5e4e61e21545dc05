package exploitation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/malbeclabs/zones/zones/pkg/store"
)

// Column is a ClickHouse column derived from a Postgres result column.
type Column struct {
	Name string
	Type string
}

func clickHouseColumns(cols []store.Column) []Column {
	out := make([]Column, len(cols))
	for i, c := range cols {
		out[i] = Column{Name: c.Name, Type: ClickHouseType(c.Type)}
	}
	return out
}

// ClickHouseType maps a Postgres type name to the ClickHouse type used for it. Types without a
// direct counterpart are published as their text rendering.
func ClickHouseType(pgType string) string {
	switch pgType {
	case "int2", "int4":
		return "Int32"
	case "int8":
		return "Int64"
	case "float4", "float8", "numeric":
		return "Float64"
	case "bool":
		return "Bool"
	case "date":
		return "Date32"
	case "timestamp", "timestamptz":
		return "DateTime64(6, 'UTC')"
	default:
		return "String"
	}
}

func (c Column) convert(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch c.Type {
	case "Int32":
		switch n := v.(type) {
		case int16:
			return int32(n), nil
		case int32:
			return n, nil
		}
	case "Int64":
		if n, ok := v.(int64); ok {
			return n, nil
		}
	case "Float64":
		switch n := v.(type) {
		case float32:
			return float64(n), nil
		case float64:
			return n, nil
		case pgtype.Numeric:
			f, err := n.Float64Value()
			if err != nil {
				return nil, err
			}
			if !f.Valid {
				return nil, nil
			}
			return f.Float64, nil
		}
	case "Bool":
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case "Date32", "DateTime64(6, 'UTC')":
		if t, ok := v.(time.Time); ok {
			return t.UTC(), nil
		}
		// infinity has no ClickHouse representation
		if _, ok := v.(pgtype.InfinityModifier); ok {
			return nil, nil
		}
	case "String":
		return textValue(v)
	}
	return nil, fmt.Errorf("unexpected %T value for %s", v, c.Type)
}

func textValue(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	case [16]byte:
		return uuid.UUID(s).String(), nil
	case time.Time:
		return s.UTC().Format(time.RFC3339Nano), nil
	case map[string]any, []any:
		b, err := json.Marshal(s)
		if err != nil {
			return "", err
		}
		return string(b), nil
	case fmt.Stringer:
		return s.String(), nil
	default:
		return fmt.Sprint(s), nil
	}
}
