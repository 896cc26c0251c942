package enforce

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	blockBegin = "# BEGIN gatekeeper"
	blockEnd   = "# END gatekeeper"
)

// HtaccessOptions describes the paths the rewrite rules must leave reachable.
type HtaccessOptions struct {
	Path        string   // target file, e.g. <docroot>/.htaccess
	Self        string   // gate path
	Maintenance string   // maintenance page
	Exempt      []string // path prefixes served without gating
}

// HtaccessSyncer keeps a managed block of mod_rewrite rules in an Apache
// .htaccess file. Content outside the block is left untouched. Each sync renders
// the block from the whole allowlist, so a hand-edited or stale block heals itself.
type HtaccessSyncer struct {
	opts   HtaccessOptions
	lister Lister
	mu     sync.Mutex
}

var _ Resyncer = (*HtaccessSyncer)(nil)

func NewHtaccessSyncer(opts HtaccessOptions, lister Lister) (*HtaccessSyncer, error) {
	if opts.Path == "" {
		return nil, errors.New("htaccess: empty target path")
	}
	if lister == nil {
		return nil, errors.New("htaccess: nil lister")
	}
	return &HtaccessSyncer{opts: opts, lister: lister}, nil
}

func (h *HtaccessSyncer) Name() string { return "htaccess" }

func (h *HtaccessSyncer) Sync(ctx context.Context, address string) error {
	return h.write(ctx, address)
}

func (h *HtaccessSyncer) Resync(ctx context.Context) error {
	return h.write(ctx, "")
}

// write lists and rewrites under one lock so a stale list never lands after a
// newer one.
func (h *HtaccessSyncer) write(ctx context.Context, extra string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	rows, err := h.lister.List(ctx)
	if err != nil {
		return fmt.Errorf("htaccess: list approved addresses: %w", err)
	}
	addrs := make([]string, 0, len(rows)+1)
	for _, r := range rows {
		addrs = append(addrs, r.Address)
	}
	if extra != "" {
		addrs = append(addrs, extra)
	}

	current, mode, err := readTarget(h.opts.Path)
	if err != nil {
		return err
	}
	next := replaceBlock(current, RenderRules(h.opts, addrs))
	if bytes.Equal(current, next) {
		return nil
	}
	if err := writeAtomic(h.opts.Path, next, mode); err != nil {
		return err
	}
	log.Debug().Str("path", h.opts.Path).Int("addresses", len(addrs)).Msg("htaccess rules updated")
	return nil
}

// RenderRules builds the managed block, markers included. Duplicate and blank
// addresses are dropped; order follows the input.
func RenderRules(opts HtaccessOptions, addrs []string) []byte {
	var b bytes.Buffer
	b.WriteString(blockBegin + "\n")
	b.WriteString("<IfModule mod_rewrite.c>\n")
	b.WriteString("RewriteEngine On\n")
	for _, p := range []string{opts.Self, opts.Maintenance} {
		if p != "" {
			fmt.Fprintf(&b, "RewriteCond %%{REQUEST_URI} !^%s$\n", regexp.QuoteMeta(p))
		}
	}
	for _, p := range opts.Exempt {
		if p != "" {
			fmt.Fprintf(&b, "RewriteCond %%{REQUEST_URI} !^%s\n", regexp.QuoteMeta(p))
		}
	}
	seen := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		fmt.Fprintf(&b, "RewriteCond %%{REMOTE_ADDR} !^%s$\n", regexp.QuoteMeta(a))
	}
	target := opts.Maintenance
	if target == "" {
		target = "/maintenance.html"
	}
	fmt.Fprintf(&b, "RewriteRule ^ %s [R=302,L]\n", target)
	b.WriteString("</IfModule>\n")
	b.WriteString(blockEnd + "\n")
	return b.Bytes()
}

// replaceBlock swaps the managed block in current for block, appending it when
// no complete block exists.
func replaceBlock(current, block []byte) []byte {
	begin := bytes.Index(current, []byte(blockBegin))
	end := -1
	if begin >= 0 {
		if i := bytes.Index(current[begin:], []byte(blockEnd)); i >= 0 {
			end = begin + i + len(blockEnd)
			if end < len(current) && current[end] == '\n' {
				end++
			}
		}
	}

	var out bytes.Buffer
	if begin >= 0 && end > begin {
		out.Write(current[:begin])
		out.Write(block)
		out.Write(current[end:])
		return out.Bytes()
	}

	out.Write(current)
	if len(current) > 0 && !bytes.HasSuffix(current, []byte("\n")) {
		out.WriteByte('\n')
	}
	if len(current) > 0 {
		out.WriteByte('\n')
	}
	out.Write(block)
	return out.Bytes()
}

func readTarget(path string) ([]byte, fs.FileMode, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0o644, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("htaccess: read %s: %w", path, err)
	}
	mode := fs.FileMode(0o644)
	if fi, err := os.Stat(path); err == nil {
		mode = fi.Mode().Perm()
	}
	return b, mode, nil
}

// writeAtomic replaces path via a temp file in the same directory so a
// concurrent reader sees either the old or the new file.
func writeAtomic(path string, data []byte, mode fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("htaccess: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("htaccess: temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("htaccess: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("htaccess: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("htaccess: close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		cleanup()
		return fmt.Errorf("htaccess: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("htaccess: rename into place: %w", err)
	}
	return nil
}
