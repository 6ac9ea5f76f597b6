package crm

import (
	"fmt"
	"regexp"
	"strings"
)

var objectTypePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// ValidateObjectType rejects names that cannot be an sObject API name.
// Object names go into FROM clauses unquoted, so they are checked rather
// than escaped.
func ValidateObjectType(name string) error {
	if !objectTypePattern.MatchString(name) {
		return fmt.Errorf("invalid object type %q", name)
	}
	return nil
}

var soqlEscaper = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	`"`, `\"`,
)

// QuoteID renders id as a SOQL string literal.
func QuoteID(id string) (string, error) {
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("identifier %q contains control characters", id)
		}
	}
	return "'" + soqlEscaper.Replace(id) + "'", nil
}

// fetchQuery selects the first limit ids of objectType.
func fetchQuery(objectType string, limit int) string {
	return fmt.Sprintf("SELECT Id FROM %s LIMIT %d", objectType, limit)
}

// inQuery selects the rows of objectType whose Id is one of ids.
func inQuery(objectType string, ids []string) (string, error) {
	quoted := make([]string, 0, len(ids))
	for _, id := range ids {
		q, err := QuoteID(id)
		if err != nil {
			return "", err
		}
		quoted = append(quoted, q)
	}
	return fmt.Sprintf("SELECT Id FROM %s WHERE Id IN (%s)", objectType, strings.Join(quoted, ",")), nil
}

// chunk splits ids into slices of at most size elements.
func chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = len(ids)
	}
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}
