package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"codeindex/internal/errors"
	"codeindex/internal/index"
	"codeindex/internal/slogutil"
)

// DefaultLockWait bounds how long a writer waits for another process's
// store lock before failing with STORE_LOCKED.
const DefaultLockWait = 5 * time.Second

// Metadata keys.
const (
	metaGeneration  = "generation"
	metaBuildID     = "build_id"
	metaBuiltAt     = "built_at"
	metaRoot        = "root"
	metaFileCount   = "file_count"
	metaSymbolCount = "symbol_count"
)

// Ticket is captured when a build starts and presented when it publishes.
// Epoch changes when the store is retired; Base is the generation the
// build was computed against.
type Ticket struct {
	Epoch uint64
	Base  uint64
}

// DeepStore holds the current Deep Index generation in memory and in
// sqlite. Readers load the generation pointer and never take a lock.
// Writers are serialised by mu within the process and by the store lock
// file across processes.
type DeepStore struct {
	db       *DB
	dir      string
	root     string
	logger   *slog.Logger
	lockWait time.Duration

	current atomic.Pointer[index.DeepIndex]
	epoch   atomic.Uint64
	mu      sync.Mutex
}

// OpenDeepStore opens the store in dir for the project at root and loads
// the last published generation, if any.
func OpenDeepStore(ctx context.Context, dir, root string, logger *slog.Logger) (*DeepStore, error) {
	logger = slogutil.OrDiscard(logger)
	db, err := Open(dir, logger)
	if err != nil {
		return nil, errors.New(errors.StoreFailure, "opening deep index store", err)
	}

	s := &DeepStore{
		db:       db,
		dir:      dir,
		root:     root,
		logger:   logger,
		lockWait: DefaultLockWait,
	}

	snap, err := s.load(ctx)
	if err != nil {
		db.Close()
		return nil, errors.New(errors.StoreFailure, "loading deep index", err)
	}
	if snap != nil {
		if snap.Root != root {
			logger.Warn("Stored index belongs to another root, ignoring",
				"stored_root", snap.Root,
				"root", root,
			)
		} else {
			s.current.Store(snap)
			logger.Debug("Loaded deep index",
				"generation", snap.Generation,
				"files", snap.FileCount(),
				"symbols", snap.SymbolCount(),
			)
		}
	}
	return s, nil
}

// Dir returns the store directory.
func (s *DeepStore) Dir() string { return s.dir }

// Root returns the project root the store serves.
func (s *DeepStore) Root() string { return s.root }

// SetLockWait changes how long writers wait for the cross-process lock.
func (s *DeepStore) SetLockWait(d time.Duration) { s.lockWait = d }

// Current returns the published generation, or nil before the first build.
func (s *DeepStore) Current() *index.DeepIndex {
	return s.current.Load()
}

// Generation returns the published generation number, 0 if none.
func (s *DeepStore) Generation() uint64 {
	if cur := s.current.Load(); cur != nil {
		return cur.Generation
	}
	return 0
}

// Begin captures a ticket for a build starting now.
func (s *DeepStore) Begin() Ticket {
	return Ticket{Epoch: s.epoch.Load(), Base: s.Generation()}
}

// Retire invalidates every outstanding ticket. Builds started before the
// call are discarded at publish time.
func (s *DeepStore) Retire() {
	s.epoch.Add(1)
}

// Publish replaces the whole stored generation with next and makes it
// current. On any failure the previous generation stays current.
func (s *DeepStore) Publish(ctx context.Context, t Ticket, next *index.DeepIndex) error {
	return s.write(ctx, t, next, false, func(tx *sql.Tx) error {
		for _, table := range []string{"diagnostics", "call_edges", "symbols", "files"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clearing %s: %w", table, err)
			}
		}
		w, err := newRowWriter(ctx, tx)
		if err != nil {
			return err
		}
		defer w.close()
		for _, path := range next.Paths() {
			if err := w.writeFile(next, path); err != nil {
				return err
			}
		}
		for _, d := range next.Diagnostics {
			if err := w.writeDiagnostic(d); err != nil {
				return err
			}
		}
		return nil
	})
}

// Patch makes next current while rewriting only the records tied to paths:
// their files, symbols, call edges and diagnostics. Every other row is left
// untouched. next must agree with the current generation outside paths.
func (s *DeepStore) Patch(ctx context.Context, t Ticket, next *index.DeepIndex, paths []string) error {
	return s.write(ctx, t, next, true, func(tx *sql.Tx) error {
		for _, p := range paths {
			if _, err := tx.ExecContext(ctx, "DELETE FROM files WHERE path = ?", p); err != nil {
				return fmt.Errorf("deleting file %s: %w", p, err)
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM diagnostics WHERE path = ?", p); err != nil {
				return fmt.Errorf("deleting diagnostics for %s: %w", p, err)
			}
		}
		w, err := newRowWriter(ctx, tx)
		if err != nil {
			return err
		}
		defer w.close()
		for _, p := range paths {
			if _, ok := next.File(p); ok {
				if err := w.writeFile(next, p); err != nil {
					return err
				}
			}
			for _, d := range next.DiagnosticsFor(p) {
				if err := w.writeDiagnostic(d); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *DeepStore) write(ctx context.Context, t Ticket, next *index.DeepIndex, patch bool, fn func(*sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkTicket(t, next, patch); err != nil {
		return err
	}

	lock, err := AcquireLockWait(ctx, s.dir, s.lockWait)
	if err != nil {
		return err
	}
	defer lock.Release()

	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		stored, err := storedGeneration(ctx, tx)
		if err != nil {
			return err
		}
		// Another process may have published since this store loaded.
		if patch && stored != t.Base {
			return errors.Newf(errors.StaleBuild, "patch computed against generation %d, store has %d", t.Base, stored)
		}
		if next.Generation <= stored {
			return errors.Newf(errors.StaleBuild, "generation %d is not newer than stored generation %d", next.Generation, stored)
		}
		if err := fn(tx); err != nil {
			return err
		}
		return writeMetadata(ctx, tx, next)
	})
	if err != nil {
		if errors.CodeOf(err) != "" {
			return err
		}
		return errors.New(errors.StoreFailure, "writing deep index", err)
	}

	s.current.Store(next)
	s.logger.Debug("Published deep index",
		"generation", next.Generation,
		"build_id", next.BuildID,
		"patch", patch,
	)
	return nil
}

func (s *DeepStore) checkTicket(t Ticket, next *index.DeepIndex, patch bool) error {
	if next == nil {
		return errors.Newf(errors.InternalError, "nothing to publish")
	}
	if t.Epoch != s.epoch.Load() {
		return errors.Newf(errors.StaleBuild, "build for generation %d was retired", next.Generation)
	}
	if next.Root != s.root {
		return errors.Newf(errors.StaleBuild, "build root %s does not match store root %s", next.Root, s.root)
	}
	if patch && t.Base != s.Generation() {
		return errors.Newf(errors.StaleBuild, "patch computed against generation %d, current is %d", t.Base, s.Generation())
	}
	if next.Generation <= s.Generation() {
		return errors.Newf(errors.StaleBuild, "generation %d is not newer than %d", next.Generation, s.Generation())
	}
	return nil
}

// Close closes the database. The in-memory generation remains readable.
func (s *DeepStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// rowWriter holds the prepared insert statements of one transaction.
type rowWriter struct {
	file, symbol, edge, diag *sql.Stmt
}

func newRowWriter(ctx context.Context, tx *sql.Tx) (*rowWriter, error) {
	w := &rowWriter{}
	var err error
	prepare := func(query string) *sql.Stmt {
		if err != nil {
			return nil
		}
		var stmt *sql.Stmt
		stmt, err = tx.PrepareContext(ctx, query)
		return stmt
	}
	w.file = prepare(`INSERT INTO files (path, language, analyzer, size, mod_time, line_count, char_count,
		blank_lines, comment_lines, indent_style, indent_width, imports_json, exports_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	w.symbol = prepare(`INSERT INTO symbols (id, file_id, kind, name, qualified_name, params_json, return_type,
		decorators_json, async, visibility, start_line, end_line, parent_id, signature, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	w.edge = prepare(`INSERT INTO call_edges (file_id, seq, caller_id, callee_id, callee_name, line)
		VALUES (?, ?, ?, ?, ?, ?)`)
	w.diag = prepare("INSERT INTO diagnostics (path, code, message) VALUES (?, ?, ?)")
	if err != nil {
		w.close()
		return nil, fmt.Errorf("preparing statements: %w", err)
	}
	return w, nil
}

func (w *rowWriter) close() {
	for _, stmt := range []*sql.Stmt{w.file, w.symbol, w.edge, w.diag} {
		if stmt != nil {
			stmt.Close()
		}
	}
}

// writeFile inserts path's file row, its symbols and the edges whose call
// site is in it.
func (w *rowWriter) writeFile(d *index.DeepIndex, path string) error {
	f, _ := d.File(path)
	res, err := w.file.Exec(f.Path, f.Language, f.Analyzer, f.Size, f.ModTime.UnixNano(),
		f.LineCount, f.CharCount, f.BlankLines, f.CommentLines, f.IndentStyle, f.IndentWidth,
		encodeList(f.Imports), encodeList(f.Exports))
	if err != nil {
		return fmt.Errorf("inserting file %s: %w", path, err)
	}
	fileID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	for _, sym := range d.SymbolsInFile(path) {
		_, err := w.symbol.Exec(sym.ID, fileID, string(sym.Kind), sym.Name, sym.QualifiedName,
			encodeList(sym.Params), sym.ReturnType, encodeList(sym.Decorators), sym.Async,
			sym.Visibility, sym.StartLine, sym.EndLine, nullString(sym.ParentID), sym.Signature, sym.Doc)
		if err != nil {
			return fmt.Errorf("inserting symbol %s: %w", sym.ID, err)
		}
	}

	for seq, e := range d.EdgesFromFile(path) {
		_, err := w.edge.Exec(fileID, seq, nullString(e.CallerID), nullString(e.CalleeID), e.CalleeName, e.Line)
		if err != nil {
			return fmt.Errorf("inserting call edge %s:%d: %w", path, e.Line, err)
		}
	}
	return nil
}

func (w *rowWriter) writeDiagnostic(d index.Diagnostic) error {
	if _, err := w.diag.Exec(d.Path, d.Code, d.Message); err != nil {
		return fmt.Errorf("inserting diagnostic for %s: %w", d.Path, err)
	}
	return nil
}

func writeMetadata(ctx context.Context, tx *sql.Tx, d *index.DeepIndex) error {
	values := map[string]string{
		metaGeneration:  strconv.FormatUint(d.Generation, 10),
		metaBuildID:     d.BuildID,
		metaBuiltAt:     d.BuiltAt.UTC().Format(time.RFC3339Nano),
		metaRoot:        d.Root,
		metaFileCount:   strconv.Itoa(d.FileCount()),
		metaSymbolCount: strconv.Itoa(d.SymbolCount()),
	}
	for k, v := range values {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO metadata (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
			k, v)
		if err != nil {
			return fmt.Errorf("writing metadata %s: %w", k, err)
		}
	}
	return nil
}

func storedGeneration(ctx context.Context, tx *sql.Tx) (uint64, error) {
	var v string
	err := tx.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", metaGeneration).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading generation: %w", err)
	}
	return strconv.ParseUint(v, 10, 64)
}

// load reads the stored generation back into memory. It returns nil when
// nothing has been published.
func (s *DeepStore) load(ctx context.Context) (*index.DeepIndex, error) {
	meta := make(map[string]string)
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM metadata")
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return nil, err
		}
		meta[k] = v
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	genStr, ok := meta[metaGeneration]
	if !ok {
		return nil, nil
	}
	generation, err := strconv.ParseUint(genStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad stored generation %q: %w", genStr, err)
	}
	builtAt, _ := time.Parse(time.RFC3339Nano, meta[metaBuiltAt])

	files, err := s.loadFiles(ctx)
	if err != nil {
		return nil, err
	}
	symbols, err := s.loadSymbols(ctx)
	if err != nil {
		return nil, err
	}
	edges, err := s.loadEdges(ctx)
	if err != nil {
		return nil, err
	}
	diags, err := s.loadDiagnostics(ctx)
	if err != nil {
		return nil, err
	}

	return index.NewDeepIndex(meta[metaRoot], generation, meta[metaBuildID], builtAt,
		files, symbols, edges, diags), nil
}

func (s *DeepStore) loadFiles(ctx context.Context) (map[string]*index.SourceFile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, language, analyzer, size, mod_time, line_count, char_count,
		blank_lines, comment_lines, indent_style, indent_width, imports_json, exports_json FROM files`)
	if err != nil {
		return nil, fmt.Errorf("loading files: %w", err)
	}
	defer rows.Close()

	files := make(map[string]*index.SourceFile)
	for rows.Next() {
		var f index.SourceFile
		var modTime int64
		var imports, exports sql.NullString
		if err := rows.Scan(&f.Path, &f.Language, &f.Analyzer, &f.Size, &modTime, &f.LineCount, &f.CharCount,
			&f.BlankLines, &f.CommentLines, &f.IndentStyle, &f.IndentWidth, &imports, &exports); err != nil {
			return nil, err
		}
		f.ModTime = time.Unix(0, modTime)
		f.Imports = decodeList(imports)
		f.Exports = decodeList(exports)
		files[f.Path] = &f
	}
	return files, rows.Err()
}

func (s *DeepStore) loadSymbols(ctx context.Context) (map[string]*index.Symbol, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT s.id, f.path, s.kind, s.name, s.qualified_name, s.params_json,
		s.return_type, s.decorators_json, s.async, s.visibility, s.start_line, s.end_line, s.parent_id,
		s.signature, s.doc
		FROM symbols s JOIN files f ON f.id = s.file_id`)
	if err != nil {
		return nil, fmt.Errorf("loading symbols: %w", err)
	}
	defer rows.Close()

	symbols := make(map[string]*index.Symbol)
	for rows.Next() {
		var sym index.Symbol
		var kind string
		var params, decorators, returnType, parentID, signature, doc sql.NullString
		if err := rows.Scan(&sym.ID, &sym.Path, &kind, &sym.Name, &sym.QualifiedName, &params,
			&returnType, &decorators, &sym.Async, &sym.Visibility, &sym.StartLine, &sym.EndLine,
			&parentID, &signature, &doc); err != nil {
			return nil, err
		}
		sym.Kind = index.Kind(kind)
		sym.Params = decodeList(params)
		sym.Decorators = decodeList(decorators)
		sym.ReturnType = returnType.String
		sym.ParentID = parentID.String
		sym.Signature = signature.String
		sym.Doc = doc.String
		symbols[sym.ID] = &sym
	}
	return symbols, rows.Err()
}

func (s *DeepStore) loadEdges(ctx context.Context) ([]index.CallEdge, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT f.path, e.caller_id, e.callee_id, e.callee_name, e.line
		FROM call_edges e JOIN files f ON f.id = e.file_id
		ORDER BY f.path, e.seq`)
	if err != nil {
		return nil, fmt.Errorf("loading call edges: %w", err)
	}
	defer rows.Close()

	var edges []index.CallEdge
	for rows.Next() {
		var e index.CallEdge
		var callerID, calleeID sql.NullString
		if err := rows.Scan(&e.CallerPath, &callerID, &calleeID, &e.CalleeName, &e.Line); err != nil {
			return nil, err
		}
		e.CallerID = callerID.String
		e.CalleeID = calleeID.String
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (s *DeepStore) loadDiagnostics(ctx context.Context) ([]index.Diagnostic, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT path, code, message FROM diagnostics ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("loading diagnostics: %w", err)
	}
	defer rows.Close()

	var diags []index.Diagnostic
	for rows.Next() {
		var d index.Diagnostic
		if err := rows.Scan(&d.Path, &d.Code, &d.Message); err != nil {
			return nil, err
		}
		diags = append(diags, d)
	}
	return diags, rows.Err()
}

func encodeList(list []string) interface{} {
	if len(list) == 0 {
		return nil
	}
	b, err := json.Marshal(list)
	if err != nil {
		return nil
	}
	return string(b)
}

func decodeList(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(s.String), &list); err != nil {
		return nil
	}
	return list
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
