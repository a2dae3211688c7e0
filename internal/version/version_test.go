package version

import "testing"

func TestInfoString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		info Info
		want string
	}{
		{name: "version only", info: Info{Version: "v1.2.0"}, want: "v1.2.0"},
		{name: "with commit", info: Info{Version: "v1.2.0", Commit: "abc123"}, want: "v1.2.0 (abc123)"},
		{name: "full", info: Info{Version: "dev", Commit: "abc123", BuildTime: "2026-01-02"}, want: "dev (abc123) built 2026-01-02"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.info.String(); got != tc.want {
				t.Fatalf("String() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSetDefaultsVersion(t *testing.T) {
	Set(Info{Commit: "deadbeef"})
	t.Cleanup(func() { Set(Info{}) })

	got := Current()
	if got.Version != "dev" || got.Commit != "deadbeef" {
		t.Fatalf("unexpected info: %+v", got)
	}
}
