// Package debugdump writes every observed response to a per-process
// directory under the system temp dir, for poking at raw payloads while
// developing against the remote's undocumented endpoints.
package debugdump

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/quay/zlog"
)

// Dir is a dump target. The zero value is unusable; call New.
type Dir struct {
	root string
	n    atomic.Int64
}

// New creates the per-process dump directory.
func New() (*Dir, error) {
	stamp := time.Now().UTC().Format("2006-01-02_15-04")
	root := filepath.Join(os.TempDir(), "rookery-"+stamp)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("debugdump: %w", err)
	}
	return &Dir{root: root}, nil
}

// Response is the subset of a handled response worth dumping.
type Response struct {
	Account string
	Method  string
	URL     string
	Status  int
	Header  http.Header
	Body    []byte
}

// Write dumps one response. Failures are logged and swallowed.
func (d *Dir) Write(ctx context.Context, rep *Response) {
	if d == nil {
		return
	}
	n := d.n.Add(1) - 1
	name := fmt.Sprintf("%05d_%d_%s.txt", n, rep.Status, rep.Account)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d - %s/%s - %s\n", n,
		rep.Header.Get("x-rate-limit-remaining"),
		rep.Header.Get("x-rate-limit-limit"),
		rep.Account)
	fmt.Fprintf(&buf, "%d %s %s\n\n", rep.Status, rep.Method, rep.URL)
	rep.Header.Write(&buf)
	buf.WriteString("\n")
	// Pretty-print when the body is JSON, else dump raw.
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, rep.Body, "", "  "); err == nil {
		buf.Write(pretty.Bytes())
	} else {
		buf.Write(rep.Body)
	}
	buf.WriteString("\n")

	if err := os.WriteFile(filepath.Join(d.root, name), buf.Bytes(), 0o644); err != nil {
		zlog.Debug(ctx).Err(err).Str("file", name).Msg("debugdump: write failed")
	}
}

// Root returns the dump directory path.
func (d *Dir) Root() string {
	if d == nil {
		return ""
	}
	return d.root
}
