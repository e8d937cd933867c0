package herdproc

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	log "github.com/sirupsen/logrus"
)

// Command describes an external executable to launch.
type Command struct {
	Name   string // label used in logs; defaults to the base name of Path
	Path   string
	Args   []string
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

func (c Command) label() string {
	if c.Name != "" {
		return c.Name
	}
	return filepath.Base(c.Path)
}

// String renders the command line as it would be typed in a shell.
func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// Launcher starts external processes without waiting for them to complete.
type Launcher interface {
	Start(cmd Command) (Handle, error)
}

// ExecLauncher launches processes with os/exec.
type ExecLauncher struct {
	paths *lru.Cache
}

const lookPathCacheSize = 64

// NewExecLauncher creates an ExecLauncher.
func NewExecLauncher() *ExecLauncher {
	cache, err := lru.New(lookPathCacheSize)
	if err != nil {
		panic(err)
	}
	return &ExecLauncher{paths: cache}
}

// resolve finds the executable for path. Bare names are looked up in $PATH,
// anything containing a separator is used as-is.
func (e *ExecLauncher) resolve(path string) (string, error) {
	if strings.ContainsRune(path, os.PathSeparator) {
		return path, nil
	}
	if cached, ok := e.paths.Get(path); ok {
		return cached.(string), nil
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return "", err
	}
	e.paths.Add(path, resolved)
	return resolved, nil
}

// Start launches cmd and returns as soon as the process exists.
func (e *ExecLauncher) Start(cmd Command) (Handle, error) {
	path, err := e.resolve(cmd.Path)
	if err != nil {
		return nil, fmt.Errorf("herdproc: resolve %s: %w", cmd.Path, err)
	}

	c := exec.Command(path, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	c.Stdout = cmd.Stdout
	if c.Stdout == nil {
		c.Stdout = os.Stdout
	}
	c.Stderr = cmd.Stderr
	if c.Stderr == nil {
		c.Stderr = os.Stderr
	}

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("herdproc: start %s: %w", cmd.label(), err)
	}
	log.WithFields(log.Fields{"pid": c.Process.Pid}).Debugf("Started %s", cmd)

	p := &process{
		name: cmd.label(),
		cmd:  c,
		done: make(chan struct{}),
	}
	go p.reap()
	return p, nil
}
