package wifi

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleWireless = `Inter-| sta-|   Quality        |   Discarded packets               | Missed | WE
 face | tus | link level noise |  nwid  crypt   frag  retry   misc | beacon | 22
 wlp2s0: 0000   54.  -56.  -256        0      0      0      0      0        0
  wlan1: 0000   70.  -40.  -256        0      0      0      3      0        0
`

func TestParseWireless(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		iface  string
		want   int64
		wantOK bool
	}{
		{"first interface", sampleWireless, "", -56, true},
		{"named interface", sampleWireless, "wlan1", -40, true},
		{"missing interface", sampleWireless, "wlan9", 0, false},
		{"headers only", strings.Join(strings.SplitN(sampleWireless, "\n", 3)[:2], "\n"), "", 0, false},
		{"empty", "", "", 0, false},
		{"unsigned level", " wlan0: 0000   40.  200.  0  0 0 0 0 0 0\n", "", -56, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := parseWireless(strings.NewReader(tt.input), tt.iface)
			if err != nil {
				t.Fatalf("parseWireless() error: %v", err)
			}
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("parseWireless() = (%d, %v), want (%d, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestParseWireless_Malformed(t *testing.T) {
	for _, input := range []string{
		" wlan0: 0000 54.\n",
		" wlan0: 0000 54. abc. -256\n",
	} {
		if _, _, err := parseWireless(strings.NewReader(input), ""); err == nil {
			t.Errorf("parseWireless(%q) error = nil, want error", input)
		}
	}
}

func TestProcSource_Read(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wireless")
	if err := os.WriteFile(path, []byte(sampleWireless), 0o600); err != nil {
		t.Fatal(err)
	}

	v, ok, err := NewProcSource(path, "wlan1").Read()
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if !ok || v != -40 {
		t.Errorf("Read() = (%d, %v), want (-40, true)", v, ok)
	}
}

func TestProcSource_MissingFile(t *testing.T) {
	src := NewProcSource(filepath.Join(t.TempDir(), "absent"), "")
	_, ok, err := src.Read()
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if ok {
		t.Error("Read() ok = true for missing stats file")
	}
}

func TestNewProcSource_DefaultPath(t *testing.T) {
	if got := NewProcSource("", "").Path; got != DefaultProcPath {
		t.Errorf("Path = %q, want %q", got, DefaultProcPath)
	}
}

func TestStaticAndFunc(t *testing.T) {
	if v, ok, err := (Static{Value: -61}).Read(); v != -61 || !ok || err != nil {
		t.Errorf("Static.Read() = (%d, %v, %v)", v, ok, err)
	}

	calls := 0
	f := Func(func() (int64, bool, error) {
		calls++
		return int64(-calls), true, nil
	})
	f.Read()
	if v, _, _ := f.Read(); v != -2 {
		t.Errorf("Func.Read() = %d, want -2", v)
	}
}
