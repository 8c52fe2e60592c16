package testutil

import (
	"fmt"
	"strings"
)

var dsnReplacer = strings.NewReplacer("/", "_", " ", "_", "?", "_", "#", "_")

// NewTestDSN returns the DSN of a named in-memory SQLite database with
// foreign keys enforced on every pooled connection. Subtest separators in
// the name are replaced so t.Name() can be passed directly.
func NewTestDSN(testName string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", dsnReplacer.Replace(testName))
}
