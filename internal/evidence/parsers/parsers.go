// SPDX-License-Identifier: Apache-2.0

// Package parsers provides DocumentParser implementations for the evidence pipeline.
package parsers

import "github.com/Smarticus81/psurRegOSv1-sub001/internal/evidence"

// Default returns every parser in selection order. Binary and extension-matched
// formats come first so the content-sniffing text parsers cannot claim them.
func Default() []evidence.DocumentParser {
	return []evidence.DocumentParser{
		NewXLSXParser(),
		NewCSVParser(),
		NewMarkdownParser(),
		NewYAMLParser(),
	}
}
