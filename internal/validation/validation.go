package validation

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
)

var (
	ErrInvalidPath   = errors.New("invalid file path")
	ErrPathNotExists = errors.New("path does not exist")
	ErrInvalidAddr   = errors.New("invalid listen address")
	ErrEmptyString   = errors.New("value must not be empty")
	ErrOutOfRange    = errors.New("value out of range")
	ErrInvalidQ      = errors.New("q must be in (0, 1]")
	ErrInvalidService = errors.New("invalid service identifier")
)

func ValidateFilePath(p string, mustExist bool) error {
	if p == "" { return ErrInvalidPath }
	if !filepath.IsAbs(p) {
		// Allow relative but normalize; disallow traversal outside working dir if needed
		p = filepath.Clean(p)
	}
	if mustExist {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("%w: %v", ErrPathNotExists, err)
		}
	}
	return nil
}

func ValidateAddr(addr string) error {
	if addr == "" { return ErrInvalidAddr }
	_, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil { return fmt.Errorf("%w: %v", ErrInvalidAddr, err) }
	return nil
}

func ValidateStringNonEmpty(s string) error {
	if s == "" { return ErrEmptyString }
	return nil
}

func ValidateRangeInt(v, min, max int) error {
	if v < min || v > max {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrOutOfRange, v, min, max)
	}
	return nil
}

// ValidateQ checks the deniable bandwidth ratio (spec.md §3): q must be
// strictly positive (otherwise no deniable bandwidth exists) and at most 1
// (otherwise the appendix would outweigh the overt payload it's hiding
// inside, defeating the point of a covert channel).
func ValidateQ(q float32) error {
	if q <= 0 || q > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidQ, q)
	}
	return nil
}

var serviceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// ValidateServiceID checks a service/account identifier against the
// conservative charset the wire protocol's address fields accept.
func ValidateServiceID(id string) error {
	if !serviceIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidService, id)
	}
	return nil
}
