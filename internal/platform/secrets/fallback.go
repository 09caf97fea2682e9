package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// fallbackFile lazily loads the dotenv-formatted local secrets file used when Secret Manager is
// unreachable (local development, CI).
type fallbackFile struct {
	path   string
	once   sync.Once
	values map[string]string
	err    error
}

func (f *fallbackFile) lookup(ref Reference, version string) (string, bool, error) {
	f.once.Do(f.load)
	if f.err != nil {
		return "", false, f.err
	}
	if value, ok := f.values[fallbackKey(ref.Name, version)]; ok {
		return value, true, nil
	}
	value, ok := f.values[fallbackKey(ref.Name, "")]
	return value, ok, nil
}

func (f *fallbackFile) load() {
	f.values = map[string]string{}
	path := strings.TrimSpace(f.path)
	if path == "" {
		return
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		f.err = fmt.Errorf("secrets: read fallback file %s: %w", path, err)
		return
	}
	f.values = values
}
