package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// FileDescriptor is the normalized metadata of a shared remote file.
type FileDescriptor struct {
	// ShareID is the bare share reference the descriptor was fetched for.
	ShareID      string   `json:"share_ref"`
	FileID       Flex     `json:"file_id,omitzero"`
	Name         string   `json:"name"`
	Size         int64    `json:"size"`
	Duration     *float64 `json:"duration,omitempty"`
	Category     Flex     `json:"category,omitzero"`
	CreatedAt    Flex     `json:"created_at,omitzero"`
	ModifiedAt   Flex     `json:"modified_at,omitzero"`
	Thumbnails   []string `json:"thumbnails,omitempty"`
	DownloadLink string   `json:"dlink,omitempty"`
	Signing      Signing  `json:"signing"`
}

// Signing holds the provider-issued values that must accompany the raw download link.
type Signing struct {
	Sign      string `json:"sign"`
	Timestamp Flex   `json:"timestamp,omitzero"`
	ShareID   Flex   `json:"shareid,omitzero"`
	UK        Flex   `json:"uk,omitzero"`
}

// HasDownloadLink reports whether the descriptor can be proxied.
func (d *FileDescriptor) HasDownloadLink() bool {
	return d != nil && d.DownloadLink != ""
}

// Thumbnail returns the preferred thumbnail URL or an empty string.
func (d *FileDescriptor) Thumbnail() string {
	if d == nil {
		return ""
	}
	for _, t := range d.Thumbnails {
		if t != "" {
			return t
		}
	}
	return ""
}

// Flex is a scalar that upstream may encode either as a JSON string or as a
// JSON number. The literal text is kept so values survive a round trip
// byte-for-byte.
type Flex struct {
	Value   string
	Numeric bool
}

// FlexString returns a string-typed Flex.
func FlexString(s string) Flex { return Flex{Value: s} }

// FlexNumber returns a number-typed Flex.
func FlexNumber(n int64) Flex { return Flex{Value: strconv.FormatInt(n, 10), Numeric: true} }

// String returns the literal value.
func (f Flex) String() string { return f.Value }

// IsZero reports whether the value was absent or null upstream.
func (f Flex) IsZero() bool { return f.Value == "" && !f.Numeric }

// UnmarshalJSON implements json.Unmarshaler
func (f *Flex) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = Flex{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = Flex{Value: s}
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("flex: expected string or number, got %s", string(b))
	}
	*f = Flex{Value: n.String(), Numeric: true}
	return nil
}

// MarshalJSON implements json.Marshaler
func (f Flex) MarshalJSON() ([]byte, error) {
	if f.IsZero() {
		return []byte("null"), nil
	}
	if f.Numeric {
		return []byte(f.Value), nil
	}
	return json.Marshal(f.Value)
}
