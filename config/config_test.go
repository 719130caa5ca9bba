package config

import "testing"

func TestParseSize(t *testing.T) {
	cases := []struct {
		in, defaultUnit string
		want            int
	}{
		{"256M", "g", 256 << 20},
		{"4G", "m", 4 << 30},
		{"512k", "g", 512 << 10},
		{"10", "m", 10 << 20},
		{"10", "", 10},
	}

	for _, c := range cases {
		got, err := ParseSize(c.in, c.defaultUnit)
		if err != nil {
			t.Fatalf("ParseSize(%q, %q): %v", c.in, c.defaultUnit, err)
		}

		if got != c.want {
			t.Errorf("ParseSize(%q, %q) = %d, want %d", c.in, c.defaultUnit, got, c.want)
		}
	}
}

func TestParseSizeInvalid(t *testing.T) {
	if _, err := ParseSize("", "m"); err == nil {
		t.Fatal("expected error for empty string")
	}

	if _, err := ParseSize("abc", "m"); err == nil {
		t.Fatal("expected error for non-numeric string")
	}
}

func TestParseDefaults(t *testing.T) {
	o, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil): %v", err)
	}

	if o.NumVCPUs != 1 {
		t.Errorf("NumVCPUs = %d, want 1", o.NumVCPUs)
	}

	if o.MemSize != 256<<20 {
		t.Errorf("MemSize = %d, want %d", o.MemSize, 256<<20)
	}

	if o.Device != "/dev/kvm" {
		t.Errorf("Device = %q, want /dev/kvm", o.Device)
	}
}
