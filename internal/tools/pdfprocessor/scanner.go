package pdfprocessor

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ScanDirectory returns the absolute paths of every PDF file under root,
// sorted lexicographically. The extension match is case-insensitive and
// only regular files (or symlinks to regular files) are included. With
// recursive false only the root directory itself is searched.
//
// A missing or non-directory root is an error before any scanning happens.
// Unreadable subdirectories are skipped; an unreadable root is fatal.
func ScanDirectory(ctx context.Context, root string, recursive bool) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("Directory not found: %s", root)
		}
		return nil, fmt.Errorf("failed to access directory %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("Not a directory: %s", root)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve directory %s: %w", root, err)
	}

	var paths []string
	if recursive {
		walkErr := filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == absRoot {
					return err
				}
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() || !isPDFName(d.Name()) {
				return nil
			}
			if isRegularFile(d, path) {
				paths = append(paths, path)
			}
			return nil
		})
		if walkErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to scan directory %s: %w", root, walkErr)
		}
	} else {
		entries, readErr := os.ReadDir(absRoot)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read directory %s: %w", root, readErr)
		}
		for _, entry := range entries {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if entry.IsDir() || !isPDFName(entry.Name()) {
				continue
			}
			path := filepath.Join(absRoot, entry.Name())
			if isRegularFile(entry, path) {
				paths = append(paths, path)
			}
		}
	}

	// WalkDir visits directory entries before their siblings' files, so the
	// collected order is not the lexicographic order of full paths.
	sort.Strings(paths)
	return paths, nil
}

func isPDFName(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".pdf")
}

// isRegularFile follows symlinks so a link to a real PDF is included but
// sockets, pipes and dangling links are not.
func isRegularFile(d fs.DirEntry, path string) bool {
	if d.Type().IsRegular() {
		return true
	}
	if d.Type()&fs.ModeSymlink == 0 {
		return false
	}
	target, err := os.Stat(path)
	return err == nil && target.Mode().IsRegular()
}
