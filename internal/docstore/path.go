package docstore

import (
	"fmt"
	"strings"
)

// Path joins segments into a slash-separated path.
func Path(segments ...string) string {
	return strings.Join(segments, "/")
}

// CheckID reports whether id can be used as a single path segment.
func CheckID(id string) error {
	if id == "" || strings.Contains(id, "/") {
		return fmt.Errorf("%w: id %q", ErrInvalidPath, id)
	}
	return nil
}

func segments(path string) ([]string, error) {
	if path == "" || strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	parts := strings.Split(path, "/")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return parts, nil
}

// SplitDoc splits a document path into its parent collection path and id.
// Document paths have an even number of segments.
func SplitDoc(path string) (collection, id string, err error) {
	parts, err := segments(path)
	if err != nil {
		return "", "", err
	}
	if len(parts)%2 != 0 {
		return "", "", fmt.Errorf("%w: %q is not a document path", ErrInvalidPath, path)
	}
	return strings.Join(parts[:len(parts)-1], "/"), parts[len(parts)-1], nil
}

// CheckCollection validates a collection path (odd number of segments).
func CheckCollection(path string) error {
	parts, err := segments(path)
	if err != nil {
		return err
	}
	if len(parts)%2 != 1 {
		return fmt.Errorf("%w: %q is not a collection path", ErrInvalidPath, path)
	}
	return nil
}
