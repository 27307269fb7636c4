package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	ErrPathTraversal = errors.New("path traversal detected")
	ErrAbsolutePath  = errors.New("absolute paths are not allowed")
	ErrReservedName  = errors.New("reserved filename not allowed")
)

var windowsReservedNames = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true,
	"com5": true, "com6": true, "com7": true, "com8": true, "com9": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true,
	"lpt5": true, "lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
}

// ValidateSavePath accepts relative paths that stay below the directory
// they are joined to.
func ValidateSavePath(path string) error {
	if filepath.IsAbs(path) {
		return ErrAbsolutePath
	}

	for _, elem := range strings.FieldsFunc(path, isSeparator) {
		if elem == ".." {
			return ErrPathTraversal
		}
	}

	base := filepath.Base(filepath.Clean(path))
	if isReserved(base) {
		return ErrReservedName
	}

	if strings.HasPrefix(base, "-") {
		return fmt.Errorf("filename cannot start with hyphen")
	}

	return nil
}

func JoinWithin(dir, name string) (string, error) {
	if err := ValidateSavePath(name); err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return filepath.Join(dir, name), nil
}

// SanitizeFilename turns an arbitrary label, such as a version or
// variation name, into a safe file name.
func SanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "-", "\\", "-", ":", "-",
		"*", "", "?", "", "\"", "",
		"<", "", ">", "", "|", "", "\x00", "",
	)
	sanitized := replacer.Replace(name)
	sanitized = strings.TrimLeft(sanitized, ".- ")
	sanitized = strings.TrimRight(sanitized, ". ")

	if isReserved(sanitized) {
		sanitized += "_"
	}

	if sanitized == "" {
		sanitized = "file"
	}

	return sanitized
}

func isReserved(base string) bool {
	stem := strings.TrimSuffix(strings.ToLower(base), strings.ToLower(filepath.Ext(base)))
	return windowsReservedNames[stem]
}

func isSeparator(r rune) bool {
	return r == '/' || r == '\\'
}
