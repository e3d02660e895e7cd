package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/anmitsu/go-shlex"
	"github.com/melih-ucgun/rumi/internal/core"
)

// MockTransport is an in-memory core.Transport. It interprets the small set
// of POSIX commands the backup and provisioning code issue (mkdir, tar, stat,
// find, cat, rm, rmdir, cp, mv, ln, chown, chmod, test, echo) against a fake
// filesystem, and replays scripted responses for everything else.
type MockTransport struct {
	mu        sync.Mutex
	files     map[string][]byte
	dirs      map[string]bool
	responses map[string]core.CommandOutcome
	failures  map[string]error
	fileFails map[string]error

	// Commands records every command passed to Run, in order.
	Commands []string
	closed   bool
}

var _ core.Transport = (*MockTransport)(nil)

func NewMockTransport() *MockTransport {
	return &MockTransport{
		files:     make(map[string][]byte),
		dirs:      map[string]bool{"/": true},
		responses: make(map[string]core.CommandOutcome),
		failures:  make(map[string]error),
		fileFails: make(map[string]error),
	}
}

// AddResponse scripts a successful command with the given stdout.
func (m *MockTransport) AddResponse(cmd, stdout string) {
	m.AddOutcome(core.CommandOutcome{Command: cmd, Stdout: stdout})
}

// AddOutcome scripts the full outcome of a command.
func (m *MockTransport) AddOutcome(out core.CommandOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[out.Command] = out
}

// FailCommand makes every command starting with prefix fail at the channel
// level with err.
func (m *MockTransport) FailCommand(prefix string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[prefix] = err
}

// FailWrite makes WriteRemoteFile and uploads to p fail with err.
func (m *MockTransport) FailWrite(p string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fileFails[path.Clean(p)] = err
}

// WriteFile seeds a remote file, creating its parent directories.
func (m *MockTransport) WriteFile(p string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = path.Clean(p)
	m.mkdirAll(path.Dir(p))
	m.files[p] = append([]byte(nil), data...)
}

// ReadFile returns a remote file's content.
func (m *MockTransport) ReadFile(p string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path.Clean(p)]
	return data, ok
}

// Mkdir seeds a remote directory and its parents.
func (m *MockTransport) Mkdir(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mkdirAll(path.Clean(p))
}

// Files lists every remote file under dir, sorted.
func (m *MockTransport) Files(dir string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filesUnder(path.Clean(dir))
}

// Closed reports whether Close was called.
func (m *MockTransport) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockTransport) Run(ctx context.Context, cmd string) (core.CommandOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Commands = append(m.Commands, cmd)
	if err := ctx.Err(); err != nil {
		return core.CommandOutcome{Command: cmd}, &core.CommandExecutionError{Command: cmd, ExitCode: -1, Err: err}
	}
	for prefix, err := range m.failures {
		if strings.HasPrefix(cmd, prefix) {
			return core.CommandOutcome{Command: cmd}, &core.CommandExecutionError{Command: cmd, ExitCode: -1, Err: err}
		}
	}
	if out, ok := m.responses[cmd]; ok {
		return out, nil
	}

	args, err := shlex.Split(cmd, true)
	if err != nil {
		return core.CommandOutcome{Command: cmd}, &core.CommandExecutionError{Command: cmd, ExitCode: -1, Err: err}
	}
	out := m.exec(args)
	out.Command = cmd
	return out, nil
}

func (m *MockTransport) RunChecked(ctx context.Context, cmd string) (core.CommandOutcome, error) {
	out, err := m.Run(ctx, cmd)
	if err != nil {
		return out, err
	}
	return core.Check(out)
}

func (m *MockTransport) UploadFile(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return &core.FileOperationError{Op: "upload", Path: remotePath, Err: err}
	}
	return m.put(remotePath, data)
}

func (m *MockTransport) UploadDirectory(ctx context.Context, localPath, remotePath string) error {
	err := filepath.WalkDir(localPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		target := path.Join(remotePath, filepath.ToSlash(rel))
		if d.IsDir() {
			m.Mkdir(target)
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return m.put(target, data)
	})
	if err != nil {
		return &core.FileOperationError{Op: "upload directory", Path: remotePath, Err: err}
	}
	return nil
}

func (m *MockTransport) WriteRemoteFile(ctx context.Context, remotePath, content string) error {
	return m.put(remotePath, []byte(content))
}

func (m *MockTransport) put(remotePath string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := path.Clean(remotePath)
	if err, ok := m.fileFails[p]; ok {
		return &core.FileOperationError{Op: "write", Path: remotePath, Err: err}
	}
	if !m.dirs[path.Dir(p)] {
		return &core.FileOperationError{Op: "create", Path: remotePath, Err: fs.ErrNotExist}
	}
	m.files[p] = append([]byte(nil), data...)
	return nil
}

func (m *MockTransport) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	data, ok := m.ReadFile(remotePath)
	if !ok {
		return &core.FileOperationError{Op: "open", Path: remotePath, Err: fs.ErrNotExist}
	}
	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		return &core.FileOperationError{Op: "create", Path: localPath, Err: err}
	}
	return nil
}

func (m *MockTransport) FileExists(ctx context.Context, p string) bool {
	out, err := m.Run(ctx, "test -f "+core.Quote(p))
	return err == nil && out.ExitCode == 0
}

func (m *MockTransport) DirectoryExists(ctx context.Context, p string) bool {
	out, err := m.Run(ctx, "test -d "+core.Quote(p))
	return err == nil && out.ExitCode == 0
}

// --- command interpreter (m.mu held) ---

func succeed(stdout string) core.CommandOutcome { return core.CommandOutcome{Stdout: stdout} }

func fail(code int, format string, a ...any) core.CommandOutcome {
	return core.CommandOutcome{ExitCode: code, Stderr: fmt.Sprintf(format, a...) + "\n"}
}

func (m *MockTransport) exec(args []string) core.CommandOutcome {
	for len(args) > 0 && args[0] == "sudo" {
		args = args[1:]
	}
	if len(args) == 0 {
		return succeed("")
	}

	name, rest := args[0], args[1:]
	flags, operands := splitFlags(rest)

	switch name {
	case "true":
		return succeed("")
	case "echo":
		return succeed(strings.Join(rest, " ") + "\n")
	case "test":
		if len(rest) != 2 {
			return fail(2, "test: unsupported expression")
		}
		p := path.Clean(rest[1])
		switch rest[0] {
		case "-f":
			if _, ok := m.files[p]; ok {
				return succeed("")
			}
		case "-d":
			if m.dirs[p] {
				return succeed("")
			}
		case "-e":
			if _, ok := m.files[p]; ok || m.dirs[p] {
				return succeed("")
			}
		}
		return core.CommandOutcome{ExitCode: 1}
	case "mkdir":
		for _, p := range operands {
			p = path.Clean(p)
			if !flags["-p"] && !m.dirs[path.Dir(p)] {
				return fail(1, "mkdir: cannot create directory '%s': No such file or directory", p)
			}
			m.mkdirAll(p)
		}
		return succeed("")
	case "cat":
		var b strings.Builder
		for _, p := range operands {
			data, found := m.files[path.Clean(p)]
			if !found {
				return fail(1, "cat: %s: No such file or directory", p)
			}
			b.Write(data)
		}
		return succeed(b.String())
	case "stat":
		return m.stat(rest)
	case "find":
		return m.find(rest)
	case "rm":
		for _, p := range operands {
			p = path.Clean(p)
			if _, found := m.files[p]; found {
				delete(m.files, p)
				continue
			}
			if m.dirs[p] && (flags["-r"] || flags["-rf"] || flags["-fr"]) {
				m.removeTree(p)
				continue
			}
			if !flags["-f"] && !flags["-rf"] && !flags["-fr"] {
				return fail(1, "rm: cannot remove '%s': No such file or directory", p)
			}
		}
		return succeed("")
	case "rmdir":
		for _, p := range operands {
			p = path.Clean(p)
			if !m.dirs[p] {
				return fail(1, "rmdir: failed to remove '%s': No such file or directory", p)
			}
			if len(m.filesUnder(p)) > 0 || m.hasSubdirs(p) {
				return fail(1, "rmdir: failed to remove '%s': Directory not empty", p)
			}
			delete(m.dirs, p)
		}
		return succeed("")
	case "cp":
		if len(operands) != 2 {
			return fail(1, "cp: missing destination file operand")
		}
		return m.copy(operands[0], operands[1], flags["-r"] || flags["-a"])
	case "mv":
		if len(operands) != 2 {
			return fail(1, "mv: missing destination file operand")
		}
		out := m.copy(operands[0], operands[1], true)
		if out.ExitCode == 0 {
			src := path.Clean(operands[0])
			delete(m.files, src)
			m.removeTree(src)
		}
		return out
	case "ln":
		if len(operands) != 2 {
			return fail(1, "ln: missing destination file operand")
		}
		dst := path.Clean(operands[1])
		if m.dirs[dst] {
			dst = path.Join(dst, path.Base(operands[0]))
		}
		m.files[dst] = []byte("-> " + operands[0])
		return succeed("")
	case "chown", "chmod":
		if len(operands) < 2 {
			return fail(1, "%s: missing operand", name)
		}
		for _, p := range operands[1:] {
			p = path.Clean(p)
			if _, found := m.files[p]; !found && !m.dirs[p] {
				return fail(1, "%s: cannot access '%s': No such file or directory", name, p)
			}
		}
		return succeed("")
	case "tar":
		return m.tar(rest)
	}

	return fail(127, "%s: command not found", name)
}

// splitFlags separates "-x" style flags from operands. Flags that take a
// value are handled by the individual commands.
func splitFlags(args []string) (map[string]bool, []string) {
	flags := make(map[string]bool)
	var operands []string
	for _, a := range args {
		if strings.HasPrefix(a, "-") && len(a) > 1 {
			flags[a] = true
			continue
		}
		operands = append(operands, a)
	}
	return flags, operands
}

func (m *MockTransport) stat(args []string) core.CommandOutcome {
	var p string
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			p = a
		}
	}
	if p == "" {
		return fail(1, "stat: missing operand")
	}
	data, found := m.files[path.Clean(p)]
	if !found {
		return fail(1, "stat: cannot statx '%s': No such file or directory", p)
	}
	return succeed(strconv.Itoa(len(data)) + "\n")
}

// find supports: find DIR [-mindepth N] [-maxdepth N] [-name GLOB] [-type f|d]
func (m *MockTransport) find(args []string) core.CommandOutcome {
	if len(args) == 0 {
		return fail(1, "find: missing starting point")
	}
	root := path.Clean(args[0])
	if !m.dirs[root] {
		return fail(1, "find: '%s': No such file or directory", root)
	}

	minDepth, maxDepth := 0, -1
	glob, kind := "", ""
	for i := 1; i+1 < len(args); i += 2 {
		switch args[i] {
		case "-mindepth":
			minDepth, _ = strconv.Atoi(args[i+1])
		case "-maxdepth":
			maxDepth, _ = strconv.Atoi(args[i+1])
		case "-name":
			glob = args[i+1]
		case "-type":
			kind = args[i+1]
		}
	}

	var candidates []string
	if kind != "d" {
		candidates = append(candidates, m.filesUnder(root)...)
	}
	if kind != "f" {
		for d := range m.dirs {
			if d == root || strings.HasPrefix(d, root+"/") {
				candidates = append(candidates, d)
			}
		}
	}

	var matches []string
	for _, c := range candidates {
		depth := 0
		if c != root {
			depth = strings.Count(strings.TrimPrefix(c, root), "/")
		}
		if depth < minDepth || (maxDepth >= 0 && depth > maxDepth) {
			continue
		}
		if glob != "" {
			if matched, _ := path.Match(glob, path.Base(c)); !matched {
				continue
			}
		}
		matches = append(matches, c)
	}
	sort.Strings(matches)

	if len(matches) == 0 {
		return succeed("")
	}
	return succeed(strings.Join(matches, "\n") + "\n")
}

// tar supports "-czf ARCHIVE -C DIR ." and "-xzf ARCHIVE -C DIR". Archives
// are stored as JSON snapshots of the source tree.
func (m *MockTransport) tar(args []string) core.CommandOutcome {
	var mode, archive, dir string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-C" && i+1 < len(args):
			dir = path.Clean(args[i+1])
			i++
		case strings.HasPrefix(args[i], "-c") || strings.HasPrefix(args[i], "-x"):
			mode = args[i][1:2]
			if strings.HasSuffix(args[i], "f") && i+1 < len(args) {
				archive = path.Clean(args[i+1])
				i++
			}
		}
	}
	if archive == "" || dir == "" {
		return fail(2, "tar: unsupported invocation")
	}

	switch mode {
	case "c":
		if !m.dirs[dir] {
			return fail(2, "tar: %s: Cannot open: No such file or directory", dir)
		}
		if !m.dirs[path.Dir(archive)] {
			return fail(2, "tar: %s: Cannot open: No such file or directory", archive)
		}
		snapshot := make(map[string][]byte)
		for _, f := range m.filesUnder(dir) {
			if f == archive {
				continue
			}
			rel := strings.TrimPrefix(f, dir+"/")
			snapshot[rel] = m.files[f]
		}
		data, _ := json.Marshal(snapshot)
		m.files[archive] = data
		return succeed("")
	case "x":
		data, found := m.files[archive]
		if !found {
			return fail(2, "tar: %s: Cannot open: No such file or directory", archive)
		}
		if !m.dirs[dir] {
			return fail(2, "tar: %s: Cannot open: No such file or directory", dir)
		}
		var snapshot map[string][]byte
		if err := json.Unmarshal(data, &snapshot); err != nil {
			return fail(2, "gzip: stdin: not in gzip format")
		}
		for rel, content := range snapshot {
			p := path.Join(dir, rel)
			m.mkdirAll(path.Dir(p))
			m.files[p] = content
		}
		return succeed("")
	}
	return fail(2, "tar: unsupported mode")
}

func (m *MockTransport) copy(src, dst string, recursive bool) core.CommandOutcome {
	contents := strings.HasSuffix(src, "/.")
	src, dst = path.Clean(src), path.Clean(dst)
	if data, found := m.files[src]; found {
		if m.dirs[dst] {
			dst = path.Join(dst, path.Base(src))
		}
		if !m.dirs[path.Dir(dst)] {
			return fail(1, "cp: cannot create regular file '%s': No such file or directory", dst)
		}
		m.files[dst] = data
		return succeed("")
	}
	if !m.dirs[src] {
		return fail(1, "cp: cannot stat '%s': No such file or directory", src)
	}
	if !recursive {
		return fail(1, "cp: -r not specified; omitting directory '%s'", src)
	}
	// "cp -r src/. dst" copies the contents; "cp -r src dst" creates dst
	// (or dst/base(src) when dst already exists).
	if m.dirs[dst] && !contents {
		dst = path.Join(dst, path.Base(src))
	}
	m.mkdirAll(dst)
	for d := range m.dirs {
		if strings.HasPrefix(d, src+"/") {
			m.mkdirAll(path.Join(dst, strings.TrimPrefix(d, src+"/")))
		}
	}
	for _, f := range m.filesUnder(src) {
		m.files[path.Join(dst, strings.TrimPrefix(f, src+"/"))] = m.files[f]
	}
	return succeed("")
}

func (m *MockTransport) mkdirAll(p string) {
	for p != "/" && p != "." {
		m.dirs[p] = true
		p = path.Dir(p)
	}
}

func (m *MockTransport) removeTree(p string) {
	for f := range m.files {
		if strings.HasPrefix(f, p+"/") {
			delete(m.files, f)
		}
	}
	for d := range m.dirs {
		if d == p || strings.HasPrefix(d, p+"/") {
			delete(m.dirs, d)
		}
	}
}

func (m *MockTransport) hasSubdirs(p string) bool {
	for d := range m.dirs {
		if strings.HasPrefix(d, p+"/") {
			return true
		}
	}
	return false
}

func (m *MockTransport) filesUnder(dir string) []string {
	var out []string
	prefix := strings.TrimSuffix(dir, "/") + "/"
	for f := range m.files {
		if strings.HasPrefix(f, prefix) {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}
