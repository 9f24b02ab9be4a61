// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

// Package localstore implements [store.Store] on top of a local filesystem
// directory with a SQLite database holding object metadata.
package localstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/thufschmitt/hydra/store"
	"zombiezen.com/go/log"
	"zombiezen.com/go/nix/nar"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Store is a local store.
// It is safe for concurrent use.
type Store struct {
	dir     store.Directory
	realDir string
	db      *sqlitemigration.Pool

	writeMu sync.Mutex
}

// Options holds optional parameters for [Open].
type Options struct {
	// RealDir is the filesystem directory the store objects live in,
	// if different from the store directory
	// (e.g. when operating on another machine's store mounted elsewhere).
	RealDir string
	// PoolSize is the maximum number of database connections.
	// Zero means a reasonable default.
	PoolSize int
}

// Open returns a store rooted at dir whose metadata lives in the
// SQLite database at dbPath, creating the database as needed.
// Callers are responsible for calling [Store.Close] on the returned store.
func Open(dir store.Directory, dbPath string, opts *Options) *Store {
	if opts == nil {
		opts = new(Options)
	}
	s := &Store{
		dir:     dir,
		realDir: opts.RealDir,
		db: sqlitemigration.NewPool(dbPath, loadSchema(), sqlitemigration.Options{
			Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
			PoolSize:    opts.PoolSize,
			PrepareConn: prepareConn,
			OnError: func(err error) {
				log.Errorf(context.Background(), "Store database migration: %v", err)
			},
		}),
	}
	if s.realDir == "" {
		s.realDir = string(s.dir)
	}
	return s
}

// Close releases the store's database connections.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dir returns the store's directory.
func (s *Store) Dir() store.Directory {
	return s.dir
}

func (s *Store) realPath(path store.Path) string {
	return filepath.Join(s.realDir, path.Base())
}

// PathExists reports whether the store contains path.
func (s *Store) PathExists(ctx context.Context, path store.Path) (bool, error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return false, fmt.Errorf("query %s: %v", path, err)
	}
	defer s.db.Put(conn)
	return objectExists(conn, path)
}

func objectExists(conn *sqlite.Conn, path store.Path) (bool, error) {
	var exists bool
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "object_exists.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			exists = stmt.GetInt64("object_exists") != 0
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("query %s: %v", path, err)
	}
	return exists, nil
}

// QueryPathInfo returns the metadata of the store object at path.
// It returns an error that wraps [store.ErrNotFound]
// if the store does not contain path.
func (s *Store) QueryPathInfo(ctx context.Context, path store.Path) (*store.ValidPathInfo, error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("query %s: %v", path, err)
	}
	defer s.db.Put(conn)

	var info *store.ValidPathInfo
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "path_info.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			info = &store.ValidPathInfo{
				StorePath: path,
				NARSize:   stmt.GetInt64("nar_size"),
			}
			if err := info.NARHash.UnmarshalText([]byte(stmt.GetText("nar_hash"))); err != nil {
				return fmt.Errorf("invalid hash: %v", err)
			}
			if deriver := stmt.GetText("deriver"); deriver != "" {
				if err := info.Deriver.UnmarshalText([]byte(deriver)); err != nil {
					return fmt.Errorf("invalid deriver: %v", err)
				}
			}
			if ca := stmt.GetText("ca"); ca != "" {
				if err := info.CA.UnmarshalText([]byte(ca)); err != nil {
					return fmt.Errorf("invalid content address: %v", err)
				}
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %v", path, err)
	}
	if info == nil {
		return nil, fmt.Errorf("query %s: %w", path, store.ErrNotFound)
	}

	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "references.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ref, err := store.ParsePath(stmt.GetText("reference"))
			if err != nil {
				return fmt.Errorf("invalid reference: %v", err)
			}
			info.References.Add(ref)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %v", path, err)
	}
	return info, nil
}

// ReadDerivation reads and parses the derivation stored at drvPath.
func (s *Store) ReadDerivation(ctx context.Context, drvPath store.Path) (*store.Derivation, error) {
	drvName, isDrv := drvPath.DerivationName()
	if !isDrv {
		return nil, fmt.Errorf("read derivation %s: not a %s file", drvPath, store.DerivationExt)
	}
	realDrvPath := s.realPath(drvPath)
	if info, err := os.Lstat(realDrvPath); err != nil {
		return nil, err
	} else if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("read derivation %s: not a regular file", drvPath)
	}
	drvData, err := os.ReadFile(realDrvPath)
	if err != nil {
		return nil, fmt.Errorf("read derivation %s: %v", drvPath, err)
	}
	drv, err := store.ParseDerivation(s.dir, drvName, drvData)
	if err != nil {
		return nil, fmt.Errorf("read derivation %s: %v", drvPath, err)
	}
	return drv, nil
}

// DumpPath writes the store object at path to dst as an uncompressed NAR.
func (s *Store) DumpPath(ctx context.Context, dst io.Writer, path store.Path) error {
	exists, err := s.PathExists(ctx, path)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("dump %s: %w", path, store.ErrNotFound)
	}
	return nar.DumpPath(dst, s.realPath(path))
}

// AddToStore imports a store object from a NAR stream.
// Adding an object that is already present drains r
// and leaves the store unchanged.
func (s *Store) AddToStore(ctx context.Context, info *store.ValidPathInfo, r io.Reader) (err error) {
	// Serialize writers so that two imports of the same path
	// do not race on the filesystem.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn, err := s.db.Get(ctx)
	if err != nil {
		return fmt.Errorf("add %s: %v", info.StorePath, err)
	}
	defer s.db.Put(conn)

	exists, err := objectExists(conn, info.StorePath)
	if err != nil {
		return fmt.Errorf("add %s: %v", info.StorePath, err)
	}
	if exists {
		if _, err := io.Copy(io.Discard, r); err != nil {
			return fmt.Errorf("add %s: %v", info.StorePath, err)
		}
		return nil
	}

	realPath := s.realPath(info.StorePath)
	if err := extractNAR(realPath, r); err != nil {
		os.RemoveAll(realPath)
		return fmt.Errorf("add %s: %v", info.StorePath, err)
	}

	defer sqlitex.Save(conn)(&err)
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "insert_object.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":path":     string(info.StorePath),
			":nar_hash": info.NARHash.Base32(),
			":nar_size": info.NARSize,
			":deriver":  string(info.Deriver),
			":ca":       contentAddressText(info),
		},
	})
	if err != nil {
		return fmt.Errorf("add %s: %v", info.StorePath, err)
	}
	for i := 0; i < info.References.Len(); i++ {
		err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "insert_reference.sql", &sqlitex.ExecOptions{
			Named: map[string]any{
				":path":      string(info.StorePath),
				":reference": string(info.References.At(i)),
			},
		})
		if err != nil {
			return fmt.Errorf("add %s: %v", info.StorePath, err)
		}
	}
	return nil
}

func contentAddressText(info *store.ValidPathInfo) string {
	if info.CA.IsZero() {
		return ""
	}
	return info.CA.String()
}

// extractNAR extracts a NAR stream to the local filesystem at the given path.
func extractNAR(dst string, r io.Reader) error {
	nr := nar.NewReader(r)
	for {
		hdr, err := nr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		p := filepath.Join(dst, filepath.FromSlash(hdr.Path))
		switch typ := hdr.Mode.Type(); typ {
		case 0:
			perm := os.FileMode(0o644)
			if hdr.Mode&0o111 != 0 {
				perm = 0o755
			}
			f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
			if err != nil {
				return err
			}
			_, err = io.Copy(f, nr)
			err2 := f.Close()
			if err != nil {
				return err
			}
			if err2 != nil {
				return err2
			}
		case fs.ModeDir:
			if err := os.Mkdir(p, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
				return err
			}
		case fs.ModeSymlink:
			if err := os.Symlink(hdr.LinkTarget, p); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unhandled file type %v", typ)
		}
	}
}

func prepareConn(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode = wal;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA foreign_keys = on;", nil); err != nil {
		return err
	}
	return nil
}

//go:embed sql/*.sql
//go:embed sql/schema/*.sql
var rawSQLFiles embed.FS

func sqlFiles() fs.FS {
	sub, err := fs.Sub(rawSQLFiles, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

var schemaState struct {
	init   sync.Once
	schema sqlitemigration.Schema
	err    error
}

func loadSchema() sqlitemigration.Schema {
	schemaState.init.Do(func() {
		for i := 1; ; i++ {
			migration, err := fs.ReadFile(rawSQLFiles, fmt.Sprintf("sql/schema/%02d.sql", i))
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			if err != nil {
				schemaState.err = err
				return
			}
			schemaState.schema.Migrations = append(schemaState.schema.Migrations, string(migration))
		}
	})

	if schemaState.err != nil {
		panic(schemaState.err)
	}
	return schemaState.schema
}
