package session

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidName is returned for names that cannot be used as a session
// directory.
var ErrInvalidName = errors.New("invalid session name")

var namePattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// maxSocketPath is the Linux sun_path size less the terminating NUL.
const maxSocketPath = 107

// ValidateName checks that name is lowercase letters, digits, '-' or '_',
// at most 64 characters.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w %q: must match %s", ErrInvalidName, name, namePattern)
	}
	return nil
}

// CheckSocketPaths fails when a session socket would not fit in a unix
// socket address. A deep INLINE_HOME is the usual cause.
func CheckSocketPaths(name string) error {
	for _, p := range []string{SocketPath(name), IngestSocketPath(name)} {
		if len(p) > maxSocketPath {
			return fmt.Errorf("socket path %s is %d bytes (limit %d); point %s at a shorter directory",
				p, len(p), maxSocketPath, HomeEnv)
		}
	}
	return nil
}
