package ldapsession

import (
	"github.com/userhive/ldapsession/conn"
)

// EntryAttribute is a single attribute of a directory entry.
type EntryAttribute struct {
	// Name is the attribute description.
	Name string
	// Values are the attribute values as strings.
	Values []string
	// ByteValues are the raw attribute values.
	ByteValues [][]byte
}

// Entry is a single directory entry.
type Entry struct {
	// DN is the entry's distinguished name.
	DN string
	// Attributes are the entry's attributes, in server order.
	Attributes []*EntryAttribute
}

func newEntry(se *conn.SearchEntry) *Entry {
	e := &Entry{DN: se.DN}
	for _, attr := range se.Attributes {
		e.Attributes = append(e.Attributes, &EntryAttribute{
			Name:       attr.Name,
			Values:     attr.Values,
			ByteValues: attr.ByteValues,
		})
	}
	return e
}

// AttributeCount returns the number of attributes the entry carries.
func (e *Entry) AttributeCount() int {
	return len(e.Attributes)
}

// GetAttributeValues returns the values of the named attribute, or nil when
// the entry does not carry it. Matching is exact.
func (e *Entry) GetAttributeValues(name string) []string {
	for _, attr := range e.Attributes {
		if attr.Name == name {
			return attr.Values
		}
	}
	return nil
}

// GetAttributeValue returns the first value of the named attribute, or the
// empty string when the entry does not carry it.
func (e *Entry) GetAttributeValue(name string) string {
	values := e.GetAttributeValues(name)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// GetRawAttributeValues returns the raw values of the named attribute, or
// nil when the entry does not carry it.
func (e *Entry) GetRawAttributeValues(name string) [][]byte {
	for _, attr := range e.Attributes {
		if attr.Name == name {
			return attr.ByteValues
		}
	}
	return nil
}
