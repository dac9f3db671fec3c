package reader

import (
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/pipeforge/pipeforge/internal/paths"
)

// MatchLogFiles returns every file under jobDir's files/logs directory
// matching pattern (a doublestar glob, e.g. "ingestion-*-error.log" or
// "**/*-failure-details.json"), for diagnostic bundling around a failed
// task (SPEC_FULL.md §D: doublestar glob over the closed log grammar).
func MatchLogFiles(dataRoot string, bucket paths.Bucket, jobID, pattern string) ([]string, error) {
	logsDir := paths.FilesDir(dataRoot, bucket, jobID, paths.Logs)
	entries, err := os.ReadDir(logsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var matches []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ok, err := doublestar.Match(pattern, e.Name())
		if err != nil {
			return nil, err
		}
		if ok {
			matches = append(matches, filepath.Join(logsDir, e.Name()))
		}
	}
	return matches, nil
}
