package fitsource

import "time"

// Field is one decoded field of a device message.
//
// Name is empty when the profile table does not know the field number; the
// classification layer resolves those through its vendor table.
type Field struct {
	Number    uint8  `json:"number"`
	Name      string `json:"name,omitempty"`
	Value     any    `json:"value"`
	Units     string `json:"units,omitempty"`
	Invalid   bool   `json:"invalid"`
	Developer bool   `json:"developer,omitempty"`
}

// Message is one data message in file order.
type Message struct {
	Type   string  `json:"type"`
	Global uint16  `json:"global"`
	Index  int     `json:"index"`
	Fields []Field `json:"fields"`
}

// Field returns the first field with the given name.
func (m Message) Field(name string) (Field, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// FieldByNumber returns the first non-developer field with the given number.
func (m Message) FieldByNumber(num uint8) (Field, bool) {
	for _, f := range m.Fields {
		if !f.Developer && f.Number == num {
			return f, true
		}
	}
	return Field{}, false
}

// Header stores parsed FIT header values.
type Header struct {
	Size            uint8  `json:"size"`
	ProtocolVersion uint8  `json:"protocol_version"`
	ProfileVersion  uint16 `json:"profile_version"`
	DataSize        uint32 `json:"data_size"`
	DataType        string `json:"data_type"`
}

// CRCCheck describes CRC validation results.
type CRCCheck struct {
	Present  bool   `json:"present"`
	Stored   uint16 `json:"stored"`
	Computed uint16 `json:"computed"`
	Valid    bool   `json:"valid"`
}

// File is a fully parsed FIT stream.
type File struct {
	Header          Header    `json:"header"`
	HeaderCRC       CRCCheck  `json:"header_crc"`
	FileCRC         CRCCheck  `json:"file_crc"`
	Messages        []Message `json:"messages"`
	DefinitionCount int       `json:"definition_count"`
	LeftoverBytes   int64     `json:"leftover_bytes"`
	SourceSHA256    string    `json:"source_sha256"`
	SourceSize      int64     `json:"source_size"`
	Warnings        []string  `json:"warnings,omitempty"`
}

// ByType returns the messages of one type, preserving file order.
func (f *File) ByType(messageType string) []Message {
	if f == nil {
		return nil
	}
	out := make([]Message, 0)
	for _, m := range f.Messages {
		if m.Type == messageType {
			out = append(out, m)
		}
	}
	return out
}

// StartTime returns the first valid timestamp found in the stream.
func (f *File) StartTime() time.Time {
	if f == nil {
		return time.Time{}
	}
	for _, m := range f.Messages {
		if ts, ok := m.Field("timestamp"); ok && !ts.Invalid {
			if t, ok := ts.Value.(time.Time); ok {
				return t
			}
		}
	}
	return time.Time{}
}
