package mapping

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/jbweber/homelab/remu/internal/domain"
)

// File names written into the nginx configuration directory
const (
	MapsFile      = "rdp_maps.conf"
	UpstreamsFile = "rdp_upstreams.conf"
)

const upstreamIDLen = 10

// Reloader tells the proxy to pick up new configuration
type Reloader func(ctx context.Context) error

// CommandReloader runs argv, e.g. service nginx reload
func CommandReloader(argv []string) Reloader {
	return func(ctx context.Context) error {
		if len(argv) == 0 {
			return nil
		}
		var stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("%s: %w: %s", strings.Join(argv, " "), err, strings.TrimSpace(stderr.String()))
		}
		return nil
	}
}

// Nginx maintains a map file (endpoint -> upstream id) and an upstream file
// (upstream id -> node:port) and reloads nginx after each change
type Nginx struct {
	dir    string
	reload Reloader
	log    *log.Entry

	mu sync.Mutex
}

// NewNginx creates both files in dir if they are missing
func NewNginx(dir string, reload Reloader) (*Nginx, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create nginx config directory: %w", err)
	}
	for _, name := range []string{MapsFile, UpstreamsFile} {
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_RDONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", name, err)
		}
		f.Close()
	}
	if reload == nil {
		reload = func(context.Context) error { return nil }
	}
	return &Nginx{dir: dir, reload: reload, log: log.WithField("component", "nginx")}, nil
}

// Clear empties both files
func (n *Nginx) Clear(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.write(MapsFile, nil); err != nil {
		return err
	}
	if err := n.write(UpstreamsFile, nil); err != nil {
		return err
	}
	return n.reload(ctx)
}

// AddMapping routes <session>_<port> to node:port for each port, replacing
// any routes the session already had
func (n *Nginx) AddMapping(ctx context.Context, sessionID, node string, ports []int) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	maps, upstreams, err := n.withoutSession(sessionID)
	if err != nil {
		return err
	}
	for _, port := range ports {
		id := domain.RandomToken(upstreamIDLen)
		endpoint := Endpoint(sessionID, port)
		maps = append(maps, fmt.Sprintf("%s %s;", endpoint, id))
		upstreams = append(upstreams, fmt.Sprintf("upstream %s {server %s:%d;}", id, node, port))
		n.log.WithFields(log.Fields{"endpoint": endpoint, "upstream": id, "node": node}).Info("New mapping")
	}
	return n.commit(ctx, maps, upstreams)
}

// RemoveMapping drops the session's routes and their upstreams
func (n *Nginx) RemoveMapping(ctx context.Context, sessionID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	maps, upstreams, err := n.withoutSession(sessionID)
	if err != nil {
		return err
	}
	n.log.WithField("session", sessionID).Info("Removing mapping")
	return n.commit(ctx, maps, upstreams)
}

// withoutSession returns the current lines minus those belonging to sessionID
func (n *Nginx) withoutSession(sessionID string) ([]string, []string, error) {
	mapLines, err := n.read(MapsFile)
	if err != nil {
		return nil, nil, err
	}
	upstreamLines, err := n.read(UpstreamsFile)
	if err != nil {
		return nil, nil, err
	}

	dropped := make(map[string]bool)
	var maps []string
	for _, line := range mapLines {
		fields := strings.Fields(line)
		if len(fields) == 2 && strings.HasPrefix(fields[0], sessionID+"_") {
			dropped[strings.TrimSuffix(fields[1], ";")] = true
			continue
		}
		maps = append(maps, line)
	}

	var upstreams []string
	for _, line := range upstreamLines {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == "upstream" && dropped[fields[1]] {
			continue
		}
		upstreams = append(upstreams, line)
	}
	return maps, upstreams, nil
}

func (n *Nginx) commit(ctx context.Context, maps, upstreams []string) error {
	if err := n.write(MapsFile, maps); err != nil {
		return err
	}
	if err := n.write(UpstreamsFile, upstreams); err != nil {
		return err
	}
	if err := n.reload(ctx); err != nil {
		return fmt.Errorf("failed to reload nginx: %w", err)
	}
	return nil
}

func (n *Nginx) read(name string) ([]string, error) {
	f, err := os.Open(filepath.Join(n.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}

// write replaces name atomically
func (n *Nginx) write(name string, lines []string) error {
	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	path := filepath.Join(n.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

var _ Publisher = (*Nginx)(nil)
