package browser

import (
	"encoding/base64"
	"testing"

	"github.com/chromedp/cdproto/network"
)

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func TestDecodePostData(t *testing.T) {
	tests := []struct {
		name    string
		entries []*network.PostDataEntry
		want    string
	}{
		{"nil entries", nil, ""},
		{"single entry", []*network.PostDataEntry{{Bytes: b64("user=alice")}}, "user=alice"},
		{
			"chunked body concatenates in order",
			[]*network.PostDataEntry{
				{Bytes: b64(`{"token":"`)},
				{Bytes: b64(`abc123"}`)},
			},
			`{"token":"abc123"}`,
		},
		{
			"nil and empty entries skipped",
			[]*network.PostDataEntry{nil, {Bytes: ""}, {Bytes: b64("payload")}},
			"payload",
		},
		{
			"undecodable chunk skipped",
			[]*network.PostDataEntry{
				{Bytes: "%%% not base64 %%%"},
				{Bytes: b64("rest")},
			},
			"rest",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decodePostData(tt.entries)
			if string(got) != tt.want {
				t.Errorf("decodePostData() = %q, want %q", got, tt.want)
			}
		})
	}
}
