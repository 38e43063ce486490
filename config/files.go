package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// resolveFiles returns every config file at path in lexical order. A file
// named directly is always used, files found in directories only if they
// end in .yaml or .yml.
func resolveFiles(path string) ([]string, error) {
	files, err := resolve(path, true)
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// direct signifies if this is the config path directly specified by the user,
// versus a file/dir found by recursing into that path
func resolve(path string, direct bool) ([]string, error) {
	i, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !i.IsDir() {
		f, ok := checkFile(path, direct)
		if !ok {
			return nil, nil
		}
		return []string{f}, nil
	}

	paths, err := readDirNames(path)
	if err != nil {
		return nil, fmt.Errorf("problem while reading directory %s: %w", path, err)
	}

	var files []string
	for _, p := range paths {
		f, err := resolve(filepath.Join(path, p), false)
		if err != nil {
			return nil, err
		}
		files = append(files, f...)
	}

	return files, nil
}

func readDirNames(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	paths, err := f.Readdirnames(-1)
	f.Close()
	if err != nil {
		return nil, err
	}

	sort.Strings(paths)
	return paths, nil
}

// checkFile returns the absolute name of the file and whether it should be
// loaded.
func checkFile(path string, direct bool) (string, bool) {
	ext := filepath.Ext(path)

	if !direct && ext != ".yaml" && ext != ".yml" {
		return "", false
	}

	ap, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}

	return ap, true
}
