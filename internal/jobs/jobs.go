// Package jobs implements the extract, delete and verify stages of the
// purge pipeline and runs them across object types.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/withObsrvr/crm-purge/internal/storage"
)

// IDColumn is the header of every identifier file.
const IDColumn = "Id"

// Target pairs an object type with its identifier file.
type Target struct {
	ObjectType string
	File       string
}

func (t Target) String() string {
	return t.ObjectType + ":" + t.File
}

// ParseTargets parses "Account:Accounts.csv,Contact:Contacts.csv".
func ParseTargets(s string) ([]Target, error) {
	var targets []Target
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		objectType, file, ok := strings.Cut(part, ":")
		objectType, file = strings.TrimSpace(objectType), strings.TrimSpace(file)
		if !ok || objectType == "" || file == "" {
			return nil, fmt.Errorf("invalid target %q: want ObjectType:file", part)
		}
		targets = append(targets, Target{ObjectType: objectType, File: file})
	}
	if len(targets) == 0 {
		return nil, errors.New("no targets")
	}
	if err := CheckTargets(targets); err != nil {
		return nil, err
	}
	return targets, nil
}

// CheckTargets rejects repeated object types and targets sharing one
// identifier file. Files are compared after path cleaning.
func CheckTargets(targets []Target) error {
	types := make(map[string]bool)
	files := make(map[string]Target)
	for _, t := range targets {
		if types[t.ObjectType] {
			return fmt.Errorf("duplicate target object type %q", t.ObjectType)
		}
		types[t.ObjectType] = true

		key := cleanFile(t.File)
		if prev, ok := files[key]; ok {
			return fmt.Errorf("targets %s and %s share file %q", prev.ObjectType, t.ObjectType, t.File)
		}
		files[key] = t
	}
	return nil
}

func cleanFile(file string) string {
	return path.Clean(filepath.ToSlash(file))
}

// Outcome is what one task did.
type Outcome struct {
	Records      int      // ids extracted, submitted or checked
	Failed       int      // bulk results with success=false
	StillPresent []string // verify only
}

// Job is one pipeline stage, run once per target.
type Job interface {
	Name() string
	Run(ctx context.Context, target Target) (Outcome, error)
}

// readIDs loads the identifier column of file. A zero-byte file holds no ids.
func readIDs(ctx context.Context, store storage.TableStore, file string) ([]string, error) {
	table, err := store.Read(ctx, file)
	if err != nil {
		if errors.Is(err, storage.ErrEmpty) {
			return nil, nil
		}
		return nil, err
	}
	ids, err := table.Column(IDColumn)
	if err != nil {
		return nil, fmt.Errorf("identifier file %s: %w", file, err)
	}
	return ids, nil
}
