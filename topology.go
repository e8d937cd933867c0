package herd

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/bcongdon/herd/internal/pkg/herdfs"
	log "github.com/sirupsen/logrus"
)

// Endpoint is a network address of a cluster node.
type Endpoint struct {
	Host string
	Port int
}

// ParseEndpoint parses a host:port address.
func ParseEndpoint(addr string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return Endpoint{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid port in address %q", addr)
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("missing host in address %q", addr)
	}
	return Endpoint{Host: host, Port: port}, nil
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Topology describes a distributed cluster: one coordinator and an ordered
// list of workers. Workers are launched and registered in list order.
type Topology struct {
	Coordinator    Endpoint
	Workers        []Endpoint
	Threads        int
	SharedMemoryMB int
}

// readWorkers parses newline separated worker addresses. Blank lines and
// lines starting with '#' are skipped.
func readWorkers(r io.Reader) ([]Endpoint, error) {
	workers := make([]Endpoint, 0)
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ep, err := ParseEndpoint(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		workers = append(workers, ep)
	}
	return workers, scanner.Err()
}

// countedWorkers places n workers on the ports following the coordinator's.
func countedWorkers(coordinator Endpoint, n int) []Endpoint {
	workers := make([]Endpoint, n)
	for i := range workers {
		workers[i] = Endpoint{Host: coordinator.Host, Port: coordinator.Port + i + 1}
	}
	return workers
}

// loadTopology builds the distributed topology from the config. The topology
// file, when set, takes precedence over the worker count.
func loadTopology(c *config) (Topology, error) {
	topo := Topology{
		Coordinator:    Endpoint{Host: c.CoordinatorHost, Port: c.CoordinatorPort},
		Threads:        c.Threads,
		SharedMemoryMB: c.SharedMemoryMB,
	}

	if c.TopologyFile == "" {
		if c.NumWorkers < 0 {
			return Topology{}, fmt.Errorf("invalid worker count %d", c.NumWorkers)
		}
		topo.Workers = countedWorkers(topo.Coordinator, c.NumWorkers)
	} else {
		fs, err := herdfs.InferFilesystem(c.TopologyFile)
		if err != nil {
			return Topology{}, err
		}
		reader, err := fs.OpenReader(c.TopologyFile)
		if err != nil {
			return Topology{}, fmt.Errorf("open topology file: %w", err)
		}
		defer reader.Close()

		workers, err := readWorkers(reader)
		if err != nil {
			return Topology{}, fmt.Errorf("read topology file %s: %w", c.TopologyFile, err)
		}
		topo.Workers = workers
		log.Debugf("Loaded %d workers from %s", len(workers), c.TopologyFile)
	}

	if len(topo.Workers) == 0 {
		return Topology{}, fmt.Errorf("topology has no workers")
	}
	return topo, nil
}
