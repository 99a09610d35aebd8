package types

import (
	"encoding/json"
	"testing"
)

func TestFlex_Unmarshal(t *testing.T) {
	tests := []struct {
		name        string
		in          string
		wantValue   string
		wantNumeric bool
		wantErr     bool
	}{
		{name: "string", in: `"1700000000"`, wantValue: "1700000000"},
		{name: "number", in: `1700000000`, wantValue: "1700000000", wantNumeric: true},
		{name: "big number keeps digits", in: `912345678901234567`, wantValue: "912345678901234567", wantNumeric: true},
		{name: "null", in: `null`},
		{name: "object", in: `{"a":1}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f Flex
			err := json.Unmarshal([]byte(tt.in), &f)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %s", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if f.Value != tt.wantValue || f.Numeric != tt.wantNumeric {
				t.Errorf("got %+v, want value=%q numeric=%v", f, tt.wantValue, tt.wantNumeric)
			}
		})
	}
}

func TestFlex_MarshalKeepsKind(t *testing.T) {
	type holder struct {
		A Flex `json:"a"`
		B Flex `json:"b"`
		C Flex `json:"c,omitzero"`
	}
	data, err := json.Marshal(holder{A: FlexNumber(42), B: FlexString("42")})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got := string(data); got != `{"a":42,"b":"42"}` {
		t.Errorf("unexpected json %s", got)
	}
}

func TestFileDescriptor_RoundTrip(t *testing.T) {
	dur := 42.5
	in := FileDescriptor{
		ShareID:      "1abc",
		FileID:       FlexNumber(123),
		Name:         "x.mp4",
		Size:         1024,
		Duration:     &dur,
		Thumbnails:   []string{"", "https://thumb/2"},
		DownloadLink: "https://host/x",
		Signing:      Signing{Sign: "s", Timestamp: FlexString("t"), ShareID: FlexNumber(1), UK: FlexNumber(2)},
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out FileDescriptor
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Signing != in.Signing {
		t.Errorf("signing mismatch: %+v vs %+v", out.Signing, in.Signing)
	}
	if out.Duration == nil || *out.Duration != dur {
		t.Errorf("duration lost: %v", out.Duration)
	}
	if out.Thumbnail() != "https://thumb/2" {
		t.Errorf("thumbnail preference: %q", out.Thumbnail())
	}
	if !out.HasDownloadLink() {
		t.Error("expected download link")
	}
}

func TestFileDescriptor_NilSafe(t *testing.T) {
	var d *FileDescriptor
	if d.HasDownloadLink() {
		t.Error("nil descriptor has no download link")
	}
	if d.Thumbnail() != "" {
		t.Error("nil descriptor has no thumbnail")
	}
}
