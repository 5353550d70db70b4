package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ByteSize is a size in bytes that accepts unit suffixes in YAML.
// K, M, G and T and their KiB forms are binary; KB, MB, GB and TB are
// decimal.
type ByteSize uint64

// Size units
const (
	KB ByteSize = 1000
	MB          = 1000 * KB
	GB          = 1000 * MB
	TB          = 1000 * GB

	KiB ByteSize = 1 << 10
	MiB          = 1024 * KiB
	GiB          = 1024 * MiB
	TiB          = 1024 * GiB
)

var byteUnits = []struct {
	suffix string
	mult   ByteSize
}{
	{"kib", KiB}, {"mib", MiB}, {"gib", GiB}, {"tib", TiB},
	{"kb", KB}, {"mb", MB}, {"gb", GB}, {"tb", TB},
	{"k", KiB}, {"m", MiB}, {"g", GiB}, {"t", TiB},
	{"b", 1},
}

// ParseByteSize parses "256M", "512GB", "100MB" or a plain byte count
func ParseByteSize(s string) (ByteSize, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := ByteSize(1)
	for _, u := range byteUnits {
		if strings.HasSuffix(v, u.suffix) {
			v = strings.TrimSpace(strings.TrimSuffix(v, u.suffix))
			mult = u.mult
			break
		}
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return ByteSize(n * float64(mult)), nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	n, err := ParseByteSize(value.Value)
	if err != nil {
		return err
	}
	*b = n
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (b ByteSize) MarshalYAML() (any, error) {
	return uint64(b), nil
}

// FileMode is a permission mode written in octal, e.g. "0755"
type FileMode os.FileMode

// UnmarshalYAML implements yaml.Unmarshaler
func (m *FileMode) UnmarshalYAML(value *yaml.Node) error {
	v := strings.TrimPrefix(strings.TrimSpace(value.Value), "0o")
	n, err := strconv.ParseUint(v, 8, 32)
	if err != nil {
		return fmt.Errorf("invalid file mode %q", value.Value)
	}
	*m = FileMode(os.FileMode(n).Perm())
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (m FileMode) MarshalYAML() (any, error) {
	return fmt.Sprintf("%04o", uint32(m)), nil
}
