// SPDX-License-Identifier: Apache-2.0

package evidence

import "errors"

var (
	// ErrUnsupportedFormat is returned when no registered parser accepts a source.
	ErrUnsupportedFormat = errors.New("unsupported evidence format")

	// ErrEmptyDocument is returned when a parsed source has no tables or sections.
	ErrEmptyDocument = errors.New("document contains no tables or sections")

	// ErrUnknownEvidenceType is returned when a caller names a type the registry lacks.
	ErrUnknownEvidenceType = errors.New("unknown evidence type")
)
