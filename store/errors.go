package store

import (
	"errors"
	"fmt"
)

// ErrVariantMismatch marks an artifact cached under a key whose kind does
// not match the artifact's own tag. It indicates a broken Parser and is
// reported as an error instead of a panic.
var ErrVariantMismatch = errors.New("store: artifact variant mismatch")

// ErrUnknownArtifact is returned by parsers asked for a kind the
// simulation does not have.
var ErrUnknownArtifact = errors.New("store: unknown artifact")

// VariantError describes a variant mismatch for one key.
type VariantError struct {
	Key  Key
	Want KindTag
	Got  KindTag
}

func (e *VariantError) Error() string {
	return fmt.Sprintf("store: %s: want %s artifact, got %s", e.Key, e.Want, e.Got)
}

func (e *VariantError) Unwrap() error { return ErrVariantMismatch }
