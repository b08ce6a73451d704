package library

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// ReadJSON reads path into out; a missing file is not an error and leaves out untouched.
func ReadJSON(path string, out interface{}) error {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, out)
}

// WriteJSON writes v as indented JSON to a temp file and renames it over path.
func WriteJSON(path string, v interface{}, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, mode); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Touch creates path if it does not exist.
func Touch(path string) {
	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0644)
	if err != nil {
		LogCLI(err.Error(), 2)
		return
	}
	f.Close()
}

func Bye() string {
	return "molty has shut down"
}
