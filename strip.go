package herd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/bcongdon/herd/internal/pkg/herdproc"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// stripLibraries strips debug symbols from every shared library matching
// pattern so that workers load them faster. An empty pattern is a no-op.
func stripLibraries(ctx context.Context, runner processRunner, pattern string) error {
	if pattern == "" {
		return nil
	}
	libs, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}
	log.Infof("Stripping %d shared libraries matching %s", len(libs), pattern)

	var result *multierror.Error
	for _, lib := range libs {
		code, err := runner.Run(ctx, herdproc.Command{Path: "strip", Args: []string{lib}})
		if err == nil && code != 0 {
			err = fmt.Errorf("strip %s exited with code %d", lib, code)
		}
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
