package download

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// errUnsafe covers every reason a name cannot be served. Callers report it
// as not found so the failing check is never revealed.
var errUnsafe = errors.New("unsafe or missing export file")

var knownTypes = map[string]string{
	"json": "application/json",
	"pdf":  "application/pdf",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"csv":  "text/csv; charset=utf-8",
}

// ContentTypes maps each allowed extension to the content type it is served with.
func ContentTypes(exts []string) map[string]string {
	out := make(map[string]string, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext == "" {
			continue
		}
		ct, ok := knownTypes[ext]
		if !ok {
			ct = "application/octet-stream"
		}
		out[ext] = ct
	}
	return out
}

// resolvePath maps a requested name to a regular file strictly inside dir,
// returning its canonical path and content type.
func resolvePath(dir, name string, allowed map[string]string) (string, string, error) {
	if name == "" || strings.ContainsAny(name, `/\`+"\x00") || strings.Contains(name, "..") {
		return "", "", errUnsafe
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	contentType, ok := allowed[ext]
	if !ok {
		return "", "", errUnsafe
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", "", errUnsafe
	}
	root, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return "", "", errUnsafe
	}
	real, err := filepath.EvalSymlinks(filepath.Join(root, name))
	if err != nil {
		return "", "", errUnsafe
	}
	if !strings.HasPrefix(real, root+string(filepath.Separator)) {
		return "", "", errUnsafe
	}
	info, err := os.Lstat(real)
	if err != nil || !info.Mode().IsRegular() {
		return "", "", errUnsafe
	}
	return real, contentType, nil
}
