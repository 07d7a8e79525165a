package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/extensiond/internal/bus"
	"github.com/basket/extensiond/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "extensiond.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, dbPath
}

func sampleExtension(id string) persistence.Extension {
	return persistence.Extension{
		Identifier:         id,
		Name:               "Blog " + id,
		PackageName:        "@acme/" + id,
		Version:            "1.0.0",
		SupportedTerminals: []string{"web", "mobile"},
		Author:             "Acme",
	}
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	v, err := store.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v != 2 {
		t.Fatalf("expected schema version 2, got %d", v)
	}
	for _, table := range []string{"extensions", "migration_history", "file_records", "extension_schemas", "audit_log"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("missing table %s: %v", table, err)
		}
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	_, path := openTestStore(t)
	again, err := persistence.Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = again.Close()
}

func TestStore_RejectsChecksumMismatch(t *testing.T) {
	store, path := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered'`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_ = store.Close()
	if _, err := persistence.Open(path, nil); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestStore_UpgradesV1Database(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	db, err := sql.Open("sqlite3", persistence.DSN(path))
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	for _, stmt := range []string{
		`CREATE TABLE schema_migrations (version INTEGER PRIMARY KEY, checksum TEXT NOT NULL, applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP)`,
		`INSERT INTO schema_migrations (version, checksum) VALUES (1, 'extd-v1-2026-09-28-extensions')`,
		`CREATE TABLE extensions (identifier TEXT PRIMARY KEY, name TEXT NOT NULL, package_name TEXT NOT NULL DEFAULT '', version TEXT NOT NULL, status TEXT NOT NULL DEFAULT 'enabled', is_local INTEGER NOT NULL DEFAULT 0, author TEXT NOT NULL DEFAULT '', description TEXT NOT NULL DEFAULT '', installed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP, updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP)`,
		`INSERT INTO extensions (identifier, name, version) VALUES ('legacy', 'Legacy', '0.1.0')`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed v1: %v", err)
		}
	}
	_ = db.Close()

	store, err := persistence.Open(path, nil)
	if err != nil {
		t.Fatalf("open v1 db: %v", err)
	}
	defer store.Close()

	e, err := store.GetExtension(context.Background(), "legacy")
	if err != nil {
		t.Fatalf("get legacy: %v", err)
	}
	if len(e.SupportedTerminals) != 0 {
		t.Fatalf("expected empty terminals after backfill, got %v", e.SupportedTerminals)
	}
	if ok, err := store.SchemaExists(context.Background(), "anything"); err != nil || ok {
		t.Fatalf("expected schema catalog available, ok=%v err=%v", ok, err)
	}
}

func TestExtensions_CRUD(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.CreateExtension(ctx, sampleExtension("blog")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CreateExtension(ctx, sampleExtension("blog")); !errors.Is(err, persistence.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	got, err := store.GetExtension(ctx, "blog")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != persistence.StatusEnabled || got.PackageName != "@acme/blog" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if len(got.SupportedTerminals) != 2 || got.SupportedTerminals[1] != "mobile" {
		t.Fatalf("unexpected terminals: %v", got.SupportedTerminals)
	}
	if got.InstalledAt.IsZero() {
		t.Fatal("expected installed_at set")
	}

	got.Version = "1.1.0"
	got.Description = "now with comments"
	if err := store.UpdateExtension(ctx, *got); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.SetExtensionStatus(ctx, "blog", persistence.StatusDisabled); err != nil {
		t.Fatalf("disable: %v", err)
	}
	got, _ = store.GetExtension(ctx, "blog")
	if got.Version != "1.1.0" || got.Status != persistence.StatusDisabled {
		t.Fatalf("unexpected after update: %+v", got)
	}

	if err := store.DeleteExtension(ctx, "blog"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetExtension(ctx, "blog"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.DeleteExtension(ctx, "blog"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestExtensions_NotFoundMutations(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if err := store.UpdateExtension(ctx, sampleExtension("ghost")); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("update: expected ErrNotFound, got %v", err)
	}
	if err := store.SetExtensionStatus(ctx, "ghost", persistence.StatusEnabled); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("status: expected ErrNotFound, got %v", err)
	}
	if err := store.SetExtensionStatus(ctx, "ghost", "paused"); err == nil {
		t.Fatal("expected invalid status error")
	}
}

func TestExtensions_ListAndPackageNames(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"shop", "blog"} {
		if err := store.CreateExtension(ctx, sampleExtension(id)); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	list, err := store.ListExtensions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Identifier != "blog" {
		t.Fatalf("expected sorted list, got %+v", list)
	}
	names, err := store.PackageNames(ctx)
	if err != nil {
		t.Fatalf("package names: %v", err)
	}
	if names["@acme/shop"] != "shop" {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestExtensions_PublishesRecordChanges(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicExtensionRecordChanged)
	defer b.Unsubscribe(sub)

	store, err := persistence.Open(filepath.Join(t.TempDir(), "x.db"), b)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if err := store.CreateExtension(context.Background(), sampleExtension("blog")); err != nil {
		t.Fatalf("create: %v", err)
	}
	select {
	case ev := <-sub.Ch():
		p := ev.Payload.(bus.RecordChangedEvent)
		if p.Identifier != "blog" || p.Change != "created" {
			t.Fatalf("unexpected payload %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("expected record change event")
	}
}

func TestHistoryAndFiles(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"create_table:posts", "add_column:posts.slug"} {
		if err := store.RecordMigration(ctx, "blog", name, "1.0.0"); err != nil {
			t.Fatalf("record migration: %v", err)
		}
	}
	if err := store.RecordMigration(ctx, "shop", "create_table:orders", "2.0.0"); err != nil {
		t.Fatalf("record migration: %v", err)
	}
	hist, err := store.ListMigrations(ctx, "blog")
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	if len(hist) != 2 || hist[0].Name != "create_table:posts" {
		t.Fatalf("unexpected history: %+v", hist)
	}

	files := []persistence.FileRecord{{Path: "storage/a.png", Size: 10}, {Path: "storage/b.png", Size: 20}}
	if err := store.ReplaceFileRecords(ctx, "blog", files); err != nil {
		t.Fatalf("replace files: %v", err)
	}
	if err := store.ReplaceFileRecords(ctx, "blog", files[:1]); err != nil {
		t.Fatalf("replace files again: %v", err)
	}
	listed, err := store.ListFiles(ctx, "blog")
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if len(listed) != 1 || listed[0].Size != 10 {
		t.Fatalf("unexpected files: %+v", listed)
	}

	n, err := store.DeleteMigrationHistory(ctx, "blog")
	if err != nil || n != 2 {
		t.Fatalf("delete history: n=%d err=%v", n, err)
	}
	if rest, _ := store.ListMigrations(ctx, "shop"); len(rest) != 1 {
		t.Fatalf("other extension history must survive, got %+v", rest)
	}
	n, err = store.DeleteFileRecords(ctx, "blog")
	if err != nil || n != 1 {
		t.Fatalf("delete files: n=%d err=%v", n, err)
	}
}

func TestSchemaCatalog(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if ok, _ := store.SchemaExists(ctx, "ext_blog"); ok {
		t.Fatal("schema should not exist yet")
	}
	for i := 0; i < 2; i++ {
		if err := store.RegisterSchema(ctx, "ext_blog", "blog", "/tmp/ext_blog.db"); err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
	}
	rec, err := store.LookupSchema(ctx, "ext_blog")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.Identifier != "blog" || rec.Path != "/tmp/ext_blog.db" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if err := store.UnregisterSchema(ctx, "ext_blog"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, err := store.LookupSchema(ctx, "ext_blog"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHostTables(t *testing.T) {
	store, _ := openTestStore(t)
	tables, err := persistence.HostTables(context.Background(), store.DB())
	if err != nil {
		t.Fatalf("host tables: %v", err)
	}
	var ext *persistence.Table
	for i := range tables {
		if tables[i].Name == "extensions" {
			ext = &tables[i]
		}
	}
	if ext == nil {
		t.Fatalf("extensions table missing from %+v", tables)
	}
	found := false
	for _, c := range ext.Columns {
		if c.Name == "identifier" && c.Type == "TEXT" {
			found = true
		}
	}
	if !found {
		t.Fatalf("identifier column missing: %+v", ext.Columns)
	}
}
