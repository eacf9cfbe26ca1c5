// Package zid wraps xid so that message and job identifiers are sortable by creation time,
// url and file name safe, and can be stored directly through database/sql.
package zid

import (
	"database/sql/driver"
	"fmt"
	"github.com/rs/xid"
	"time"
)

type ID struct {
	internal xid.ID
}

func New() ID {
	return ID{
		internal: xid.New(),
	}
}

func FromString(id string) (ID, error) {
	i, err := xid.FromString(id)
	if err != nil {
		return ID{}, fmt.Errorf("could not parse id %q: %w", id, err)
	}
	return ID{internal: i}, nil
}

func (id ID) Time() time.Time {
	return id.internal.Time()
}

func (id ID) IsZero() bool {
	return id.internal.IsNil()
}

func (id ID) String() string {
	return id.internal.String()
}

// Value implements the driver.Valuer interface, ids are stored as their string representation
func (id ID) Value() (driver.Value, error) {
	if id.IsZero() {
		return nil, nil
	}
	return id.internal.String(), nil
}

// Scan implements the sql.Scanner interface.
func (id *ID) Scan(value interface{}) error {
	switch v := value.(type) {
	case string:
		return id.internal.UnmarshalText([]byte(v))
	case []byte:
		return id.internal.UnmarshalText(v)
	case nil:
		*id = ID{}
		return nil
	default:
		return fmt.Errorf("zid: scanning unsupported type %T", value)
	}
}

func (id *ID) UnmarshalText(text []byte) error {
	return id.internal.UnmarshalText(text)
}
func (id ID) MarshalText() ([]byte, error) {
	return id.internal.MarshalText()
}

func (id *ID) UnmarshalJSON(b []byte) error {
	return id.internal.UnmarshalJSON(b)
}
func (id ID) MarshalJSON() ([]byte, error) {
	return id.internal.MarshalJSON()
}
