package metrics

import "testing"

func TestFriendlyErrorName(t *testing.T) {
	tests := []struct {
		name     string
		typeName string
		want     string
	}{
		{
			name:     "aliased pointer type",
			typeName: "*browser.AcquireTimeoutError",
			want:     "Instance acquisition timeout",
		},
		{
			name:     "aliased value type",
			typeName: "browser.AcquireTimeoutError",
			want:     "Instance acquisition timeout",
		},
		{
			name:     "deadline exceeded",
			typeName: "*context.deadlineExceededError",
			want:     "Context deadline exceeded",
		},
		{
			name:     "url error",
			typeName: "*url.Error",
			want:     "Request URL error",
		},
		{
			name:     "stdlib error string",
			typeName: "*errors.errorString",
			want:     "Error String (errors)",
		},
		{
			name:     "camel case humanized",
			typeName: "intercept.FilterMatchError",
			want:     "Filter Match Error (intercept)",
		},
		{
			name:     "path qualified type keeps last segment",
			typeName: "*net/http.MaxBytesError",
			want:     "Max Bytes Error (http)",
		},
		{
			name:     "main package omits suffix",
			typeName: "main.fatalError",
			want:     "Fatal Error",
		},
		{
			name:     "acronym run preserved",
			typeName: "transport.HTTPTimeout",
			want:     "HTTP Timeout (transport)",
		},
		{
			name:     "empty input",
			typeName: "",
			want:     "Unknown error",
		},
		{
			name:     "whitespace only",
			typeName: "   ",
			want:     "Unknown error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FriendlyErrorName(tt.typeName); got != tt.want {
				t.Errorf("FriendlyErrorName(%q) = %q, want %q", tt.typeName, got, tt.want)
			}
		})
	}
}
